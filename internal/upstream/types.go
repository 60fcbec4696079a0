package upstream

// CreateChatRequest opens a new chat thread on the upstream service.
type CreateChatRequest struct {
	Title  string   `json:"title"`
	Models []string `json:"models"`
}

// createChatResponse tolerates both envelope shapes the upstream emits.
type createChatResponse struct {
	ID   string `json:"id"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r *createChatResponse) chatID() string {
	if r.Data.ID != "" {
		return r.Data.ID
	}
	return r.ID
}

// OutboundMessage is the single message object sent per exchange. The
// upstream reconstructs prior context itself from ParentID, so there is
// never more than one element in SendPayload.Messages.
type OutboundMessage struct {
	ID      string   `json:"id"`
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Models  []string `json:"models"`
}

// SendPayload is the upstream chat-completion request body.
type SendPayload struct {
	ChatID   string            `json:"chat_id"`
	ParentID *string           `json:"parent_id"`
	Stream   bool              `json:"stream"`
	Model    string            `json:"model"`
	Messages []OutboundMessage `json:"messages"`
}

// BufferedResponse is the upstream's non-streaming reply.
type BufferedResponse struct {
	Choices []BufferedChoice `json:"choices"`
	Usage   *Usage           `json:"usage"`
}

// BufferedChoice is one candidate of a buffered reply.
type BufferedChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Usage is the upstream token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelInfo is one entry of the upstream model listing.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModelsResponse is the upstream model listing envelope.
type ModelsResponse struct {
	Data []ModelInfo `json:"data"`
}
