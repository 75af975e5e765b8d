package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentKind identifies what a content item carries.
type ContentKind string

const (
	ContentKindText  ContentKind = "text"
	ContentKindImage ContentKind = "image"
	ContentKindAudio ContentKind = "audio"
)

// ContentItem is one element of a prompt or response: plain text, or a
// URL reference to hosted media.
type ContentItem struct {
	Kind ContentKind `json:"type"`

	// For text items
	Text string `json:"text,omitempty"`

	// For image and audio items
	URL string `json:"url,omitempty"`
}

// TextItem creates a text content item.
func TextItem(text string) ContentItem {
	return ContentItem{Kind: ContentKindText, Text: text}
}

// ImageItem creates an image content item referencing a hosted image.
func ImageItem(url string) ContentItem {
	return ContentItem{Kind: ContentKindImage, URL: url}
}

// AudioItem creates an audio content item referencing hosted audio.
func AudioItem(url string) ContentItem {
	return ContentItem{Kind: ContentKindAudio, URL: url}
}

func (i ContentItem) validate() error {
	switch i.Kind {
	case ContentKindText:
		if i.Text == "" {
			return ErrInvalidRequest("text content item requires text")
		}
	case ContentKindImage, ContentKindAudio:
		if i.URL == "" {
			return ErrInvalidRequest(fmt.Sprintf("%s content item requires a url", i.Kind))
		}
	default:
		return ErrInvalidRequest(fmt.Sprintf("unknown content item type %q", string(i.Kind)))
	}
	return nil
}

// Content is an ordered, immutable sequence of content items. The zero
// value is empty; derivation helpers return new values and never mutate
// the receiver.
type Content struct {
	items []ContentItem
}

// NewContent validates every item and builds a Content value.
func NewContent(items ...ContentItem) (Content, error) {
	for _, item := range items {
		if err := item.validate(); err != nil {
			return Content{}, err
		}
	}
	copied := make([]ContentItem, len(items))
	copy(copied, items)
	return Content{items: copied}, nil
}

// FromText builds a single-text-item Content.
func FromText(text string) (Content, error) {
	return NewContent(TextItem(text))
}

// Items returns a copy of the item sequence.
func (c Content) Items() []ContentItem {
	out := make([]ContentItem, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items.
func (c Content) Len() int {
	return len(c.items)
}

// IsEmpty reports whether the content has no items.
func (c Content) IsEmpty() bool {
	return len(c.items) == 0
}

// Text concatenates all text items, newline-separated.
func (c Content) Text() string {
	var parts []string
	for _, item := range c.items {
		if item.Kind == ContentKindText {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasImages reports whether any item is an image reference.
func (c Content) HasImages() bool {
	return c.hasKind(ContentKindImage)
}

// HasAudio reports whether any item is an audio reference.
func (c Content) HasAudio() bool {
	return c.hasKind(ContentKindAudio)
}

func (c Content) hasKind(kind ContentKind) bool {
	for _, item := range c.items {
		if item.Kind == kind {
			return true
		}
	}
	return false
}

// AddText returns a new Content with a text item appended.
func (c Content) AddText(text string) (Content, error) {
	return c.add(TextItem(text))
}

// AddImage returns a new Content with an image item appended.
func (c Content) AddImage(url string) (Content, error) {
	return c.add(ImageItem(url))
}

// AddAudio returns a new Content with an audio item appended.
func (c Content) AddAudio(url string) (Content, error) {
	return c.add(AudioItem(url))
}

func (c Content) add(item ContentItem) (Content, error) {
	if err := item.validate(); err != nil {
		return Content{}, err
	}
	items := make([]ContentItem, 0, len(c.items)+1)
	items = append(items, c.items...)
	items = append(items, item)
	return Content{items: items}, nil
}

// Equal reports whether two Content values carry identical item sequences.
func (c Content) Equal(other Content) bool {
	if len(c.items) != len(other.items) {
		return false
	}
	for i, item := range c.items {
		if item != other.items[i] {
			return false
		}
	}
	return true
}

// MarshalJSON serializes the item sequence.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

// UnmarshalJSON parses and validates an item sequence.
func (c *Content) UnmarshalJSON(data []byte) error {
	var items []ContentItem
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	parsed, err := NewContent(items...)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
