package risk

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultOpenAIAPIKeyEnv = "OPENAI_API_KEY"
	defaultBackendTimeout  = 60 * time.Second
)

// BackendConfig is shared by the network backends.
type BackendConfig struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Timeout   time.Duration
}

func (c BackendConfig) resolveAPIKey(defaultEnv string) string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	env := strings.TrimSpace(c.APIKeyEnv)
	if env == "" {
		env = defaultEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// OpenAIAssessor asks an OpenAI Responses API model for a verdict.
type OpenAIAssessor struct {
	model  string
	client openai.Client
}

// NewOpenAIAssessor builds the backend. httpClient may be nil.
func NewOpenAIAssessor(cfg BackendConfig, httpClient *http.Client) (*OpenAIAssessor, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	apiKey := cfg.resolveAPIKey(defaultOpenAIAPIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required (set api_key or api_key_env)")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIAssessor{model: model, client: openai.NewClient(opts...)}, nil
}

// Assess implements Assessor.
func (a *OpenAIAssessor) Assess(ctx context.Context, req Request) (Response, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return Response{}, err
	}
	resp, err := a.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        a.model,
		Instructions: openai.String(systemInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: openai responses.create: %v", ErrCollaborator, err)
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return Response{}, fmt.Errorf("%w: openai response failed: %s", ErrCollaborator, msg)
	}
	output := strings.TrimSpace(resp.OutputText())
	if output == "" {
		return Response{}, fmt.Errorf("%w: openai response did not contain output text", ErrCollaborator)
	}
	out, err := ParseResponse([]byte(output))
	if err != nil {
		return Response{}, err
	}
	out.Prompt = prompt
	return out, nil
}
