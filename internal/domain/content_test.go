package domain

import (
	"encoding/json"
	"testing"
)

func mustContent(t *testing.T, items ...ContentItem) Content {
	t.Helper()
	c, err := NewContent(items...)
	if err != nil {
		t.Fatalf("NewContent() error = %v", err)
	}
	return c
}

func TestNewContent_Validation(t *testing.T) {
	tests := []struct {
		name    string
		items   []ContentItem
		wantErr bool
	}{
		{
			name:  "text item",
			items: []ContentItem{TextItem("hello")},
		},
		{
			name:  "mixed items",
			items: []ContentItem{TextItem("look"), ImageItem("https://cdn.example/cat.png"), AudioItem("https://cdn.example/meow.ogg")},
		},
		{
			name:  "empty content is valid",
			items: nil,
		},
		{
			name:    "text item without text",
			items:   []ContentItem{{Kind: ContentKindText}},
			wantErr: true,
		},
		{
			name:    "image item without url",
			items:   []ContentItem{{Kind: ContentKindImage}},
			wantErr: true,
		},
		{
			name:    "audio item without url",
			items:   []ContentItem{{Kind: ContentKindAudio}},
			wantErr: true,
		},
		{
			name:    "unknown item kind",
			items:   []ContentItem{{Kind: ContentKind("video"), URL: "https://cdn.example/clip.mp4"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewContent(tt.items...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewContent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContent_DerivationReturnsNewValues(t *testing.T) {
	base := mustContent(t, TextItem("hello"))

	withImage, err := base.AddImage("https://cdn.example/cat.png")
	if err != nil {
		t.Fatalf("AddImage() error = %v", err)
	}
	if base.Len() != 1 {
		t.Errorf("base Len() = %d after AddImage, want 1", base.Len())
	}
	if withImage.Len() != 2 {
		t.Errorf("derived Len() = %d, want 2", withImage.Len())
	}

	withText, err := withImage.AddText("again")
	if err != nil {
		t.Fatalf("AddText() error = %v", err)
	}
	withAudio, err := withText.AddAudio("https://cdn.example/meow.ogg")
	if err != nil {
		t.Fatalf("AddAudio() error = %v", err)
	}
	if withAudio.Len() != 4 {
		t.Errorf("Len() = %d, want 4", withAudio.Len())
	}

	// Mutating the returned item slice must not reach the value.
	items := withAudio.Items()
	items[0] = TextItem("tampered")
	if withAudio.Items()[0].Text != "hello" {
		t.Errorf("Items() exposed internal storage")
	}
}

func TestContent_AddValidation(t *testing.T) {
	base := mustContent(t, TextItem("hello"))
	if _, err := base.AddText(""); err == nil {
		t.Errorf("AddText(\"\") error = nil, want validation error")
	}
	if _, err := base.AddImage(""); err == nil {
		t.Errorf("AddImage(\"\") error = nil, want validation error")
	}
}

func TestContent_Text(t *testing.T) {
	c := mustContent(t,
		TextItem("first"),
		ImageItem("https://cdn.example/cat.png"),
		TextItem("second"),
	)
	if got, want := c.Text(), "first\nsecond"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestContent_KindQueries(t *testing.T) {
	text := mustContent(t, TextItem("hi"))
	if text.HasImages() || text.HasAudio() {
		t.Errorf("text-only content reports media")
	}

	media := mustContent(t, ImageItem("https://cdn.example/cat.png"), AudioItem("https://cdn.example/meow.ogg"))
	if !media.HasImages() {
		t.Errorf("HasImages() = false, want true")
	}
	if !media.HasAudio() {
		t.Errorf("HasAudio() = false, want true")
	}
}

func TestContent_JSONRoundTrip(t *testing.T) {
	original, err := FromText("x")
	if err != nil {
		t.Fatalf("FromText() error = %v", err)
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Content
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !original.Equal(decoded) {
		t.Errorf("round-tripped content not Equal: %s", data)
	}
}

func TestContent_UnmarshalValidates(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`[{"type":"video","url":"https://cdn.example/clip.mp4"}]`), &c); err == nil {
		t.Errorf("Unmarshal accepted an unknown item kind")
	}
}

func TestContent_Equal(t *testing.T) {
	a := mustContent(t, TextItem("hello"), ImageItem("https://cdn.example/cat.png"))
	b := mustContent(t, TextItem("hello"), ImageItem("https://cdn.example/cat.png"))
	c := mustContent(t, TextItem("hello"))

	if !a.Equal(b) {
		t.Errorf("Equal() = false for identical sequences")
	}
	if a.Equal(c) {
		t.Errorf("Equal() = true for different lengths")
	}
	if !(Content{}).Equal(Content{}) {
		t.Errorf("Equal() = false for two empty values")
	}
}
