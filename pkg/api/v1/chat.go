package v1

// ChatMessage is one conversation turn on the wire.
type ChatMessage struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible completion request. Model
// addresses an agent configuration; session continuity rides in metadata
// or the dedicated session_id field.
type ChatCompletionRequest struct {
	Model       string                 `json:"model" binding:"required"`
	Messages    []ChatMessage          `json:"messages" binding:"required,min=1,dive"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   *int64                 `json:"max_tokens,omitempty"`
	Stream      bool                   `json:"stream"`
	SessionID   string                 `json:"session_id,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChoice is one completion alternative. The runtime always
// produces exactly one.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming completion response,
// object "chat.completion".
type ChatCompletionResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []ChatCompletionChoice `json:"choices"`
	Usage    Usage                  `json:"usage"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChatCompletionDelta carries the incremental content of one chunk.
type ChatCompletionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunkChoice is one chunk's choice entry. FinishReason is
// null on every chunk except the final one.
type ChatCompletionChunkChoice struct {
	Index        int                 `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason *string             `json:"finish_reason"`
}

// ChatCompletionChunk is one streaming event, object
// "chat.completion.chunk". The stream closes with the "[DONE]" sentinel
// after the terminal chunk.
type ChatCompletionChunk struct {
	ID       string                      `json:"id"`
	Object   string                      `json:"object"`
	Created  int64                       `json:"created"`
	Model    string                      `json:"model"`
	Choices  []ChatCompletionChunkChoice `json:"choices"`
	Metadata map[string]interface{}      `json:"metadata,omitempty"`
}

// Object type constants for completion payloads.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// StreamDoneSentinel terminates an SSE completion stream.
const StreamDoneSentinel = "[DONE]"

// Model is one entry of the model listing; agents surface as models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-compatible model listing response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
