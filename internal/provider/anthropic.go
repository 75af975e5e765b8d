package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/relay"
)

const (
	// anthropicEndpoint is the messages path relative to the base URL.
	anthropicEndpoint = "/v1/messages"
	// anthropicVersion is the API version header value.
	anthropicVersion = "2023-06-01"
)

// messagesRequest is the messages API wire shape. The personality rides
// in the top-level system field instead of the message array.
type messagesRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type messagesResponse struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

// AnthropicTransforms builds the transform pair for messages-API
// backends.
func AnthropicTransforms(cfg Config) relay.Transforms {
	return relay.Transforms{
		Name:     "anthropic-compatible",
		Request:  anthropicRequestTransform(cfg),
		Response: anthropicResponseTransform,
	}
}

func anthropicRequestTransform(cfg Config) relay.RequestTransform {
	return func(r *domain.Request) (*relay.WireRequest, error) {
		blocks := make([]anthropicBlock, 0, r.Content().Len()+1)

		if ref, ok := r.ReferencedContent(); ok {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: "Referenced message:\n" + ref.Text()})
		}

		for _, item := range r.Content().Items() {
			switch item.Kind {
			case domain.ContentKindText:
				blocks = append(blocks, anthropicBlock{Type: "text", Text: item.Text})
			case domain.ContentKindImage:
				blocks = append(blocks, anthropicBlock{
					Type:   "image",
					Source: &anthropicSource{Type: "url", URL: item.URL},
				})
			default:
				return nil, domain.ErrInvalidRequest(fmt.Sprintf(
					"%s content is not supported by the anthropic-compatible transform", item.Kind,
				))
			}
		}

		headers := map[string]string{"anthropic-version": anthropicVersion}
		if cfg.APIKey != "" {
			headers["x-api-key"] = cfg.APIKey
		}

		model := r.Model()
		return &relay.WireRequest{
			Endpoint: anthropicEndpoint,
			Payload: messagesRequest{
				Model:       model.Path,
				System:      personaPrompt(r.PersonalityID()),
				Messages:    []anthropicMessage{{Role: "user", Content: blocks}},
				MaxTokens:   model.Capabilities.MaxTokens,
				Temperature: model.Capabilities.Temperature,
			},
			Headers: headers,
		}, nil
	}
}

// anthropicResponseTransform concatenates the text blocks of the reply.
func anthropicResponseTransform(body []byte) (domain.Content, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Content{}, domain.ErrInternal("anthropic response is not valid JSON").WithCause(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return domain.Content{}, domain.ErrInternal("anthropic response contains no text blocks")
	}
	return domain.FromText(sb.String())
}
