package domain

// Capabilities describes what a target model can accept and how it
// should be sampled.
type Capabilities struct {
	SupportsImages bool    `json:"supports_images"`
	SupportsAudio  bool    `json:"supports_audio"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
}

// Model is an immutable capability descriptor: a display name, the
// vendor's model identifier, and the capabilities the relay may rely on.
type Model struct {
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	Capabilities Capabilities `json:"capabilities"`
}

// NewModel validates and builds a Model descriptor.
func NewModel(name, path string, caps Capabilities) (Model, error) {
	if name == "" {
		return Model{}, ErrInvalidRequest("model requires a name")
	}
	if path == "" {
		return Model{}, ErrInvalidRequest("model requires a vendor path")
	}
	if caps.MaxTokens <= 0 {
		return Model{}, ErrInvalidRequest("model requires a positive max_tokens")
	}
	return Model{Name: name, Path: path, Capabilities: caps}, nil
}

// DefaultModel is the text-only descriptor used when a caller supplies
// none.
func DefaultModel() Model {
	return Model{
		Name: "default",
		Path: "default",
		Capabilities: Capabilities{
			SupportsImages: false,
			SupportsAudio:  false,
			MaxTokens:      4096,
			Temperature:    0.7,
		},
	}
}

// IsZero reports whether the descriptor is unset.
func (m Model) IsZero() bool {
	return m.Name == "" && m.Path == ""
}

// IsCompatibleWith reports whether every item in content is accepted by
// this model's capabilities. Text is always accepted; image and audio
// items require the matching capability flag.
func (m Model) IsCompatibleWith(content Content) bool {
	for _, item := range content.Items() {
		switch item.Kind {
		case ContentKindImage:
			if !m.Capabilities.SupportsImages {
				return false
			}
		case ContentKindAudio:
			if !m.Capabilities.SupportsAudio {
				return false
			}
		}
	}
	return true
}
