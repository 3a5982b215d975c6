package model

// ChatMessage is one prompt entry sent to the completion endpoint.
type ChatMessage struct {
	Sender  Sender `json:"sender"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// ChatResponse is the completion endpoint reply. InputTokenCounts has one
// entry per request message, in request order.
type ChatResponse struct {
	Message          string `json:"message"`
	InputTokenCounts []int  `json:"inputTokenCounts"`
	OutputTokenCount int    `json:"outputTokenCount"`
}
