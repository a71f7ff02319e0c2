package ai

import "strings"

type TaskKind string

const (
	TaskExtraction TaskKind = "extraction"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// Candidates lists the models to try in order, without duplicates.
func (p ModelProfile) Candidates() []string {
	models := make([]string, 0, 2)
	if primary := strings.TrimSpace(p.PrimaryModel); primary != "" {
		models = append(models, primary)
	}
	fallback := strings.TrimSpace(p.FallbackModel)
	if fallback != "" && fallback != strings.TrimSpace(p.PrimaryModel) {
		models = append(models, fallback)
	}
	return models
}

type ModelRouterConfig struct {
	ExtractionPrimary  string
	ExtractionFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.ExtractionPrimary) == "" {
		config.ExtractionPrimary = "gemini-2.5-flash"
	}
	if strings.TrimSpace(config.ExtractionFallback) == "" {
		config.ExtractionFallback = "gemini-2.5-flash-lite"
	}

	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskExtraction:
		return ModelProfile{
			PrimaryModel:    r.config.ExtractionPrimary,
			FallbackModel:   r.config.ExtractionFallback,
			Temperature:     0.1,
			MaxOutputTokens: 2048,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.ExtractionPrimary,
			FallbackModel:   r.config.ExtractionFallback,
			Temperature:     0.2,
			MaxOutputTokens: 1024,
		}
	}
}
