package risk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/metalagman/clausegate/internal/config"
)

// NewBackend builds the Assessor selected by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.RiskConfig, httpClient *http.Client) (Assessor, error) {
	bc := BackendConfig{
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		APIKeyEnv: cfg.APIKeyEnv,
		Timeout:   cfg.Timeout,
	}
	switch cfg.Provider {
	case "", config.ProviderStatic:
		return NewStaticAssessor(), nil
	case config.ProviderOpenAI:
		return NewOpenAIAssessor(bc, httpClient)
	case config.ProviderGemini:
		return NewGeminiAssessor(ctx, bc, httpClient)
	case config.ProviderExec:
		return NewExecAssessor(cfg.Cmd, "")
	default:
		return nil, fmt.Errorf("unknown risk provider %q", cfg.Provider)
	}
}

// PolicyFromConfig extracts the call policy.
func PolicyFromConfig(cfg config.RiskConfig) Policy {
	return Policy{
		Timeout:       cfg.Timeout,
		Retries:       cfg.Retries,
		RetryDelay:    cfg.RetryDelay,
		RatePerSecond: cfg.RatePerSecond,
	}
}
