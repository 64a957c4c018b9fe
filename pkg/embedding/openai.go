package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"nexus/pkg/httpx"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
)

// OpenAI talks to any OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewOpenAI(baseURL, apiKey, model string, dimensions int) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		Dimensions: dimensions,
		Client:     &http.Client{Timeout: 15 * time.Second},
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (o *OpenAI) Name() string { return "openai/" + o.Model }

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Embed(ctx context.Context, texts []string, _ InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(openAIRequest{Model: o.Model, Input: texts, Dimensions: o.Dimensions})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if o.APIKey != "" {
		headers["Authorization"] = "Bearer " + o.APIKey
	}
	status, raw, err := httpx.RequestJSON(ctx, o.Client, http.MethodPost, o.BaseURL+"/embeddings", body, headers, o.Retries, o.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("openai: %w: %v", ErrUnavailable, err)
	}
	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil && status < 300 {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if status >= 300 {
		msg := http.StatusText(status)
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		if status >= 500 {
			return nil, fmt.Errorf("openai: %w: status %d: %s", ErrUnavailable, status, msg)
		}
		return nil, fmt.Errorf("openai: status %d: %s", status, msg)
	}
	if err := checkCount("openai", len(resp.Data), len(texts)); err != nil {
		return nil, err
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
