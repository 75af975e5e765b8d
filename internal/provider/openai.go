package provider

import (
	"encoding/json"
	"fmt"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/relay"
)

// openaiEndpoint is the chat-completions path relative to the base URL.
const openaiEndpoint = "/v1/chat/completions"

// chatCompletionRequest is the chat-completions wire shape.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// chatMessage carries either a plain string or a part list as content.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAITransforms builds the transform pair for chat-completions
// backends. The personality rides as the system message; each content
// item becomes its own user message.
func OpenAITransforms(cfg Config) relay.Transforms {
	return relay.Transforms{
		Name:     "openai-compatible",
		Request:  openaiRequestTransform(cfg),
		Response: openaiResponseTransform,
	}
}

func openaiRequestTransform(cfg Config) relay.RequestTransform {
	return func(r *domain.Request) (*relay.WireRequest, error) {
		msgs := []chatMessage{{Role: "system", Content: personaPrompt(r.PersonalityID())}}

		if ref, ok := r.ReferencedContent(); ok {
			msgs = append(msgs, chatMessage{Role: "user", Content: "Referenced message:\n" + ref.Text()})
		}

		for _, item := range r.Content().Items() {
			switch item.Kind {
			case domain.ContentKindText:
				msgs = append(msgs, chatMessage{Role: "user", Content: item.Text})
			case domain.ContentKindImage:
				msgs = append(msgs, chatMessage{
					Role: "user",
					Content: []chatContentPart{{
						Type:     "image_url",
						ImageURL: &chatImageURL{URL: item.URL},
					}},
				})
			default:
				return nil, domain.ErrInvalidRequest(fmt.Sprintf(
					"%s content is not supported by the openai-compatible transform", item.Kind,
				))
			}
		}

		headers := map[string]string{}
		if cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}

		model := r.Model()
		return &relay.WireRequest{
			Endpoint: openaiEndpoint,
			Payload: chatCompletionRequest{
				Model:       model.Path,
				Messages:    msgs,
				MaxTokens:   model.Capabilities.MaxTokens,
				Temperature: model.Capabilities.Temperature,
			},
			Headers: headers,
		}, nil
	}
}

// openaiResponseTransform parses the first choice's message content.
func openaiResponseTransform(body []byte) (domain.Content, error) {
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Content{}, domain.ErrInternal("openai response is not valid JSON").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return domain.Content{}, domain.ErrInternal("openai response contains no choices")
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return domain.Content{}, domain.ErrInternal("openai response choice has no content")
	}
	return domain.FromText(text)
}
