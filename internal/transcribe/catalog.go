package transcribe

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrNoBackend    = errors.New("model backend not configured")
)

// ModelInfo describes one selectable transcription model.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Speed    string `json:"speed"`
	Memory   string `json:"memory"`
	Accuracy string `json:"accuracy"`
}

var catalog = map[string]ModelInfo{
	"whisper-tiny": {
		ID: "whisper-tiny", Name: "Whisper Tiny", Provider: "whisper", Model: "tiny",
		Speed: "Fastest", Memory: "~1GB", Accuracy: "Basic",
	},
	"faster-whisper": {
		ID: "faster-whisper", Name: "Faster Whisper", Provider: "whisper", Model: "Systran/faster-whisper-small",
		Speed: "Fast (4x)", Memory: "~2GB", Accuracy: "Good",
	},
	"indic-seamless": {
		ID: "indic-seamless", Name: "Indic Seamless", Provider: "whisper", Model: "ai4bharat/indic-seamless",
		Speed: "Medium", Memory: "~4GB", Accuracy: "Multilingual",
	},
	"whisper-large": {
		ID: "whisper-large", Name: "Whisper Large", Provider: "deepinfra", Model: "openai/whisper-large-v3",
		Speed: "Slow", Memory: "~6GB", Accuracy: "Best",
	},
	"elevenlabs-scribe": {
		ID: "elevenlabs-scribe", Name: "ElevenLabs Scribe", Provider: "elevenlabs", Model: "scribe_v1",
		Speed: "Fast", Memory: "hosted", Accuracy: "Best",
	},
}

// List returns the catalog sorted by id.
func List() []ModelInfo {
	out := make([]ModelInfo, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup finds a model by id.
func Lookup(id string) (ModelInfo, bool) {
	m, ok := catalog[id]
	return m, ok
}

// Backends holds the endpoints and credentials used to build providers.
type Backends struct {
	WhisperURL    string
	Timeout       time.Duration
	DeepInfraKey  string
	ElevenLabsKey string
	Keyterms      string
}

// Provider builds the provider serving model id. whisper-large falls back to
// the self-hosted server when no DeepInfra key is set.
func (b Backends) Provider(id string) (Provider, error) {
	m, ok := Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	switch m.Provider {
	case "deepinfra":
		if b.DeepInfraKey != "" {
			return NewDeepInfraClient(b.DeepInfraKey, m.Model, b.Timeout), nil
		}
		if b.WhisperURL != "" {
			return NewWhisperClient(b.WhisperURL, "large-v3", b.Timeout), nil
		}
	case "elevenlabs":
		if b.ElevenLabsKey != "" {
			return NewElevenLabsClient(b.ElevenLabsKey, m.Model, b.Keyterms, b.Timeout), nil
		}
	default:
		if b.WhisperURL != "" {
			return NewWhisperClient(b.WhisperURL, m.Model, b.Timeout), nil
		}
	}
	return nil, fmt.Errorf("%w: %s needs %s", ErrNoBackend, id, m.Provider)
}
