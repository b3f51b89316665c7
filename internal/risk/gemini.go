package risk

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiAPIKeyEnv = "GEMINI_API_KEY"

// GeminiAssessor asks a Gemini model through the genai SDK.
type GeminiAssessor struct {
	model  string
	client *genai.Client
}

// NewGeminiAssessor builds the backend. httpClient may be nil.
func NewGeminiAssessor(ctx context.Context, cfg BackendConfig, httpClient *http.Client) (*GeminiAssessor, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	apiKey := cfg.resolveAPIKey(defaultGeminiAPIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set api_key or api_key_env)")
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAssessor{model: model, client: client}, nil
}

// Assess implements Assessor.
func (a *GeminiAssessor) Assess(ctx context.Context, req Request) (Response, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return Response{}, err
	}
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstructions, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: gemini generate content: %v", ErrCollaborator, err)
	}
	output := strings.TrimSpace(resp.Text())
	if output == "" {
		return Response{}, fmt.Errorf("%w: gemini response did not contain text", ErrCollaborator)
	}
	out, err := ParseResponse([]byte(output))
	if err != nil {
		return Response{}, err
	}
	out.Prompt = prompt
	return out, nil
}
