package engine

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL   string
	EmbedDimensions int
}

// Detect returns the embedding backend to use. Ollama is the only backend.
func Detect(cfg DetectConfig) (Engine, error) {
	return NewOllamaEngine(cfg.OllamaBaseURL, cfg.EmbedDimensions), nil
}
