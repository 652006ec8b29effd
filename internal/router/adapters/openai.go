package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// OpenAIAdapter handles communication with OpenAI-compatible APIs.
type OpenAIAdapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAIAdapter(cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{cfg: cfg, client: client}
}

func (a *OpenAIAdapter) Name() string { return a.cfg.Name }

func (a *OpenAIAdapter) Generate(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.Completion, error) {
	req, err := a.buildRequest(ctx, model, messages, params)
	if err != nil {
		return nil, &Error{Kind: KindUnsupported, Provider: a.Name(), Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, wrapTransport(a.Name(), err)
	}
	return a.parseResponse(resp)
}

// Probe lists models, which validates the key without generating tokens.
func (a *OpenAIAdapter) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return wrapTransport(a.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FromStatus(a.Name(), resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (a *OpenAIAdapter) buildRequest(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*http.Request, error) {
	body := openAIRequestBody{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.setHeaders(httpReq)
	return httpReq, nil
}

func (a *OpenAIAdapter) setHeaders(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}

func (a *OpenAIAdapter) parseResponse(resp *http.Response) (*types.Completion, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(a.Name(), fmt.Errorf("read openai response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, FromStatus(a.Name(), resp.StatusCode, string(body))
	}

	var oaiResp openAIResponseBody
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: a.Name(), Err: fmt.Errorf("unmarshal openai response: %w", err)}
	}
	if len(oaiResp.Choices) == 0 {
		return nil, &Error{Kind: KindTransient, Provider: a.Name(), Message: "response has no choices"}
	}

	choice := oaiResp.Choices[0]
	return &types.Completion{
		Text:         choice.Message.Content,
		Model:        oaiResp.Model,
		FinishReason: choice.FinishReason,
		Usage: types.Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}, nil
}

type openAIRequestBody struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openAIResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
