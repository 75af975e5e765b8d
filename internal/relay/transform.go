package relay

import (
	"encoding/json"
	"strings"

	"github.com/lbds137/tzurot-sub005/internal/domain"
)

// WireRequest is the provider-shaped form of one outbound call: the
// endpoint path relative to the adapter's base URL, the JSON payload,
// and any headers beyond the adapter's own defaults.
type WireRequest struct {
	Endpoint string
	Payload  any
	Headers  map[string]string
}

// RequestTransform builds the provider wire request from a domain
// request. Transforms are pure: no I/O, no shared state.
type RequestTransform func(*domain.Request) (*WireRequest, error)

// ResponseTransform parses a raw provider response body into domain
// Content.
type ResponseTransform func(body []byte) (domain.Content, error)

// Transforms couples the two directions for one provider. Domain types
// stop here; everything past the transform is vendor-shaped.
type Transforms struct {
	Name     string
	Request  RequestTransform
	Response ResponseTransform
}

// DefaultTransforms returns the adapter's built-in generic chat schema,
// used when no provider-specific pair is injected.
func DefaultTransforms() Transforms {
	return Transforms{
		Name:     "generic",
		Request:  genericRequestTransform,
		Response: genericResponseTransform,
	}
}

// genericChatRequest is the default wire schema: a flat envelope for
// personality-serving backends that accept typed message lists.
type genericChatRequest struct {
	Personality string           `json:"personality"`
	User        string           `json:"user,omitempty"`
	Messages    []genericMessage `json:"messages"`
	Reference   string           `json:"reference,omitempty"`
	Model       string           `json:"model,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type genericMessage struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func genericRequestTransform(r *domain.Request) (*WireRequest, error) {
	msgs := make([]genericMessage, 0, r.Content().Len())
	for _, item := range r.Content().Items() {
		msg := genericMessage{Role: "user", Type: string(item.Kind)}
		switch item.Kind {
		case domain.ContentKindText:
			msg.Content = item.Text
		default:
			msg.Content = item.URL
		}
		msgs = append(msgs, msg)
	}

	payload := genericChatRequest{
		Personality: r.PersonalityID(),
		User:        r.UserID(),
		Messages:    msgs,
		Model:       r.Model().Path,
		Temperature: r.Model().Capabilities.Temperature,
		MaxTokens:   r.Model().Capabilities.MaxTokens,
	}
	if ref, ok := r.ReferencedContent(); ok {
		payload.Reference = ref.Text()
	}

	return &WireRequest{Payload: payload}, nil
}

// genericResponseTransform shape-detects the reply: a chat-completions
// choices array, an Anthropic-style content block array, or a flat
// text/response/message field.
func genericResponseTransform(body []byte) (domain.Content, error) {
	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Content  json.RawMessage `json:"content"`
		Text     string          `json:"text"`
		Response string          `json:"response"`
		Message  json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.Content{}, domain.ErrInternal("provider response is not valid JSON").WithCause(err)
	}

	switch {
	case len(envelope.Choices) > 0:
		text := envelope.Choices[0].Message.Content
		if text == "" {
			text = envelope.Choices[0].Text
		}
		return contentFromText(text)

	case len(envelope.Content) > 0:
		if text, ok := textFromBlocks(envelope.Content); ok {
			return contentFromText(text)
		}

	case envelope.Text != "":
		return contentFromText(envelope.Text)

	case envelope.Response != "":
		return contentFromText(envelope.Response)

	case len(envelope.Message) > 0:
		var flat string
		if err := json.Unmarshal(envelope.Message, &flat); err == nil {
			return contentFromText(flat)
		}
	}

	return domain.Content{}, domain.ErrInternal("provider response has no recognizable content shape")
}

// textFromBlocks decodes a content field that is either an array of
// typed text blocks or a flat string.
func textFromBlocks(raw json.RawMessage) (string, bool) {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "" || b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String(), true
	}

	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, true
	}
	return "", false
}

func contentFromText(text string) (domain.Content, error) {
	if text == "" {
		return domain.Content{}, domain.ErrInternal("provider returned empty content")
	}
	return domain.FromText(text)
}
