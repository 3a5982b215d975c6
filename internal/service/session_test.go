package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/language-chat/internal/model"
)

// recorder collects the snapshots delivered to a subscriber.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

// gate blocks replies of the given kinds until release is closed and
// reports each blocked request on entered.
type gate struct {
	kinds   map[requestKind]bool
	entered chan requestKind
	release chan struct{}
}

func newGate(kinds ...requestKind) *gate {
	g := &gate{
		kinds:   make(map[requestKind]bool),
		entered: make(chan requestKind, 8),
		release: make(chan struct{}),
	}
	for _, k := range kinds {
		g.kinds[k] = true
	}
	return g
}

func (g *gate) reply(req *model.ChatRequest) (*model.ChatResponse, error) {
	if kind := kindOf(req); g.kinds[kind] {
		g.entered <- kind
		<-g.release
	}
	return defaultReply(req)
}

func (g *gate) waitEntered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("request never reached the completer")
		}
	}
}

func TestSessionStartsEmptyConversation(t *testing.T) {
	h := newHarness()
	convID := h.seed(t, nil, nil)

	s := h.newSession(t, convID)
	assert.Equal(t, StateInitializing, s.State())

	rec := &recorder{}
	s.Subscribe(rec.record)

	s.Start(context.Background())
	s.Wait()

	snap := s.Snapshot()
	require.Equal(t, StateWaitingForUser, snap.State)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.SenderSystem, snap.Messages[0].Sender)
	assert.Contains(t, snap.Messages[0].Content, "the weather")
	assert.Equal(t, model.SenderAssistant, snap.Messages[1].Sender)
	assert.Equal(t, "¡Hola! ¿Cómo estás?", snap.Messages[1].Content)
	assert.Nil(t, snap.Error)

	stored := h.history(t, convID)
	require.Len(t, stored, 2)
	assert.Equal(t, snap.Messages[0].ID, stored[0].ID)
	assert.Equal(t, snap.Messages[1].ID, stored[1].ID)
	require.NotNil(t, stored[0].TokenCount)
	assert.Equal(t, 10, *stored[0].TokenCount)
	require.NotNil(t, stored[1].TokenCount)
	assert.Equal(t, 5, *stored[1].TokenCount)

	assert.Equal(t, []requestKind{kindChat}, h.completer.kinds())
	chat := h.completer.requestsOf(kindChat)[0]
	assert.Equal(t, testModel, chat.Model)
	assert.Equal(t, ChatTemperature, chat.Temperature)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, StateWaitingForAssistant, snaps[0].State)
	assert.Empty(t, snaps[0].Messages)
	last := snaps[len(snaps)-1]
	assert.Equal(t, StateWaitingForUser, last.State)
	assert.Len(t, last.Messages, 2)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, len(snaps[i].Messages), len(snaps[i-1].Messages))
	}
}

func TestSessionWaitsForUserAfterAssistant(t *testing.T) {
	h := newHarness()
	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, intPtr(10))

	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	assert.Equal(t, StateWaitingForUser, s.State())
	assert.Empty(t, h.completer.kinds())
}

func TestSendMessage(t *testing.T) {
	h := newHarness()
	g := newGate(kindChat)
	h.completer.reply = g.reply

	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, intPtr(10))
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)

	require.True(t, s.SendMessage("hola"))
	assert.Equal(t, StateWaitingForAssistant, s.State())
	assert.False(t, s.SendMessage("otra vez"), "only one message per turn")

	g.waitEntered(t, 1)
	close(g.release)
	s.Wait()
	unsubscribe()

	snap := s.Snapshot()
	require.Equal(t, StateWaitingForUser, snap.State)
	require.Len(t, snap.Messages, 4)
	assert.Equal(t, model.SenderUser, snap.Messages[2].Sender)
	assert.Equal(t, "hola", snap.Messages[2].Content)
	assert.True(t, snap.Messages[2].MistakesProcessed)
	assert.Empty(t, snap.Messages[2].Mistakes)
	assert.Equal(t, model.SenderAssistant, snap.Messages[3].Sender)

	stored := h.history(t, convID)
	require.Len(t, stored, 4)
	for i := range stored {
		assert.Equal(t, snap.Messages[i].ID, stored[i].ID)
	}
	assert.True(t, stored[2].MistakesProcessed)
	require.NotNil(t, stored[2].TokenCount)
	assert.Equal(t, 10, *stored[2].TokenCount)

	chat := h.completer.requestsOf(kindChat)
	require.Len(t, chat, 1)
	require.Len(t, chat[0].Messages, 3)
	assert.Equal(t, model.ChatMessage{Sender: model.SenderUser, Content: "hola"}, chat[0].Messages[2])

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, StateWaitingForAssistant, snaps[0].State)
	assert.Len(t, snaps[0].Messages, 2)
	assert.Equal(t, StateWaitingForUser, snaps[len(snaps)-1].State)

	// Unsubscribed listeners see nothing more.
	before := len(rec.all())
	require.True(t, s.SendMessage("adiós"))
	s.Wait()
	assert.Len(t, rec.all(), before)
}

func TestSendMessageRejectedBeforeStart(t *testing.T) {
	h := newHarness()
	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, nil)

	s := h.newSession(t, convID)
	assert.False(t, s.SendMessage("hola"))
	assert.Equal(t, StateInitializing, s.State())
	assert.Len(t, h.history(t, convID), 2)
}

func TestSessionConflict(t *testing.T) {
	h := newHarness()
	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, intPtr(10))

	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	// Another tab answers first.
	stored := h.history(t, convID)
	_, err := h.store.AppendMessage(context.Background(), testScope, convID, stored[1].ID, model.SenderUser, "otra pestaña", nil)
	require.NoError(t, err)

	require.True(t, s.SendMessage("hola"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, &SessionError{Conflict: true, Message: ConflictMessage}, snap.Error)
	assert.Len(t, snap.Messages, 2)
	assert.Empty(t, h.completer.requestsOf(kindChat))

	stored = h.history(t, convID)
	require.Len(t, stored, 3)
	assert.Equal(t, "otra pestaña", stored[2].Content)

	assert.False(t, s.SendMessage("hola"), "failed sessions stay failed")
}

func TestSessionCompletionFailure(t *testing.T) {
	h := newHarness()
	h.completer.reply = func(req *model.ChatRequest) (*model.ChatResponse, error) {
		if kindOf(req) == kindChat {
			return nil, errors.New("upstream unavailable")
		}
		return defaultReply(req)
	}

	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderUser}, intPtr(10))
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, &SessionError{Message: ErrorMessage}, snap.Error)

	// The mistake sweep still ran for the unanalyzed user message.
	require.Len(t, snap.Messages, 2)
	assert.True(t, snap.Messages[1].MistakesProcessed)
	assert.Len(t, h.completer.requestsOf(kindMistakes), 1)
}

func TestSessionMalformedTokenCounts(t *testing.T) {
	h := newHarness()
	h.deps.Mistakes = nil
	h.completer.reply = func(req *model.ChatRequest) (*model.ChatResponse, error) {
		resp, err := defaultReply(req)
		resp.InputTokenCounts = make([]int, 10)
		return resp, err
	}

	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderUser}, nil)
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	assert.Equal(t, StateError, s.State())
	assert.Len(t, h.history(t, convID), 2)
}

func TestSessionTokenCountsMustMatchPrompt(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
	}{
		{"too few counts", []int{111, 222, 333}},
		{"counts exceed prompt", []int{1, 2, 3, 4, 5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.deps.Mistakes = nil
			h.completer.reply = func(req *model.ChatRequest) (*model.ChatResponse, error) {
				resp, err := defaultReply(req)
				if kindOf(req) == kindChat {
					resp.InputTokenCounts = tt.counts
				}
				return resp, err
			}

			convID := h.seed(t, []model.Sender{
				model.SenderSystem, model.SenderAssistant, model.SenderUser,
				model.SenderAssistant, model.SenderUser, model.SenderAssistant,
				model.SenderUser,
			}, nil)
			s := h.newSession(t, convID)
			s.Start(context.Background())
			s.Wait()

			assert.Equal(t, StateError, s.State())
			history := h.history(t, convID)
			require.Len(t, history, 7)
			for _, msg := range history {
				assert.Nil(t, msg.TokenCount, msg.ID)
			}
		})
	}
}

func TestSessionMistakeFailureDoesNotAffectTurn(t *testing.T) {
	h := newHarness()
	h.completer.reply = func(req *model.ChatRequest) (*model.ChatResponse, error) {
		if kindOf(req) == kindMistakes {
			return nil, errors.New("upstream unavailable")
		}
		return defaultReply(req)
	}

	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, intPtr(10))
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	require.True(t, s.SendMessage("hola"))
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StateWaitingForUser, snap.State)
	require.Len(t, snap.Messages, 4)
	assert.False(t, snap.Messages[2].MistakesProcessed)
	assert.False(t, h.history(t, convID)[2].MistakesProcessed)
}

func TestSessionCloseSuppressesUpdates(t *testing.T) {
	h := newHarness()
	g := newGate(kindChat, kindMistakes)
	h.completer.reply = g.reply

	convID := h.seed(t, []model.Sender{model.SenderSystem, model.SenderAssistant}, intPtr(10))
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	require.True(t, s.SendMessage("hola"))
	g.waitEntered(t, 2)

	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	close(g.release)
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StateWaitingForAssistant, snap.State)
	require.Len(t, snap.Messages, 3)
	assert.False(t, snap.Messages[2].MistakesProcessed)

	// Writes issued before Close still land; nothing after them is issued.
	stored := h.history(t, convID)
	require.Len(t, stored, 3)
	assert.True(t, stored[2].MistakesProcessed)
	assert.Nil(t, stored[2].TokenCount)
}

func TestSessionSummarizesLongHistory(t *testing.T) {
	h := newHarness()
	h.deps.Mistakes = nil

	convID := h.seed(t, alternating(50), intPtr(10))
	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	require.Equal(t, StateWaitingForUser, s.State())
	assert.Equal(t, []requestKind{kindSummary, kindChat}, h.completer.kinds())

	chat := h.completer.requestsOf(kindChat)[0]
	require.Len(t, chat.Messages, 1+25)
	assert.Contains(t, chat.Messages[0].Content, "resumen")

	stored := h.history(t, convID)
	require.Len(t, stored, 52)
	require.NotNil(t, stored[26].Summary)
	assert.Equal(t, "resumen", *stored[26].Summary)
	for i, msg := range stored {
		if i != 26 {
			assert.Nil(t, msg.Summary, "message %d", i)
		}
	}

	snap := s.Snapshot()
	require.NotNil(t, snap.Messages[26].Summary)
}

func TestSessionLosesSummaryRace(t *testing.T) {
	h := newHarness()
	h.deps.Mistakes = nil

	convID := h.seed(t, alternating(50), intPtr(10))
	midpoint := h.history(t, convID)[26].ID

	h.completer.reply = func(req *model.ChatRequest) (*model.ChatResponse, error) {
		if kindOf(req) == kindSummary {
			if _, err := h.store.SetMessageSummary(context.Background(), testScope, convID, midpoint, "other tab"); err != nil {
				return nil, err
			}
		}
		return defaultReply(req)
	}

	s := h.newSession(t, convID)
	s.Start(context.Background())
	s.Wait()

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	require.NotNil(t, snap.Error)
	assert.True(t, snap.Error.Conflict)
	assert.Empty(t, h.completer.requestsOf(kindChat))

	stored := h.history(t, convID)
	assert.Len(t, stored, 51)
	assert.Equal(t, "other tab", *stored[26].Summary)
}
