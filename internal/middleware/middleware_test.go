package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/language-chat/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, subject string) string {
	t.Helper()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuth(t *testing.T) {
	var gotUser string
	handler := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		user   string
	}{
		{name: "valid", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), "user-1"), status: http.StatusNoContent, user: "user-1"},
		{name: "lowercase scheme", header: "bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), "user-2"), status: http.StatusNoContent, user: "user-2"},
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), "user-1"), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), ""), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expiredToken, status: http.StatusUnauthorized},
		{name: "unsigned", header: "Bearer " + signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "user-1"), status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, gotUser)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestLogging(t *testing.T) {
	var correlationID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID = GetCorrelationID(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer must flush")
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Logging(logger.NewNop())(Auth(testSecret)(inner))

	t.Run("generates correlation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testSecret), "user-1"))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.NotEmpty(t, correlationID)
		assert.Equal(t, correlationID, rec.Header().Get("X-Correlation-ID"))
	})

	t.Run("keeps caller correlation id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testSecret), "user-1"))
		req.Header.Set("X-Correlation-ID", "abc-123")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", correlationID)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	})
}

func TestUserRateLimit(t *testing.T) {
	handler := UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUserID(req.Context(), userID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("user-1").Code)
	assert.Equal(t, http.StatusOK, send("user-1").Code)

	limited := send("user-1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("user-2").Code, "limits are per user")
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateLanguage("Japanese"))
	assert.Error(t, ValidateLanguage("spanish"))
	assert.Error(t, ValidateLanguage("Klingon"))

	assert.NoError(t, ValidateMessageContent("¿Qué tal?"))
	assert.Error(t, ValidateMessageContent("  \n"))
	assert.Error(t, ValidateMessageContent(string(make([]byte, MaxMessageLength+1))))
	assert.Error(t, ValidateMessageContent("\xff\xfe"))

	assert.NoError(t, ValidateConversationID("0190a6b5-0000-7000-8000-000000000000"))
	assert.Error(t, ValidateConversationID("../etc"))
	assert.Error(t, ValidateSessionID(""))

	assert.NoError(t, ValidateTopic("ordering food"))
	assert.Error(t, ValidateTopic(""))

	assert.NoError(t, ValidateStudyList("studyWords", []string{"tenedor", "cuchara"}))
	assert.NoError(t, ValidateStudyList("studyWords", nil))
	assert.Error(t, ValidateStudyList("studyWords", []string{"tenedor", " "}))
	assert.Error(t, ValidateStudyList("studyTopics", make([]string, MaxStudyItems+1)))

	assert.NoError(t, ValidateTopicCount(10))
	assert.Error(t, ValidateTopicCount(0))
	assert.Error(t, ValidateTopicCount(MaxTopicCount+1))
}
