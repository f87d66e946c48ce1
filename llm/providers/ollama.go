package providers

import (
	"github.com/outflowhq/outflow/llm"
)

// OllamaProvider is the OpenAI-compatible adapter with Ollama's local
// default URL. Request and response handling is shared with OpenAI.
type OllamaProvider struct {
	OpenAIProvider
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint against the local
// Ollama default.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return o.OpenAIProvider.BuildURL(baseURL)
}
