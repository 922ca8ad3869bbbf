package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tender-pipeline/internal/models"
)

const systemPrompt = `You analyze public ICT procurement tenders.
Reply ONLY with a JSON object of this shape:
{
  "technology_stack": {"languages": [], "frameworks": [], "databases": [], "cloud": [], "devops": [], "other": []},
  "ict_concepts": [],
  "technical_summary": {"objective": "", "scope": "", "requirements": []}
}
Use empty arrays or strings when the tender does not mention something.`

// ChatClient calls an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

type ChatClientOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func NewChatClient(opts ChatClientOptions) (*ChatClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ai base url is required")
	}
	if opts.APIKey == "" {
		return nil, errors.New("AI_API_KEY is required for the http analyzer")
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	to := opts.Timeout
	if to <= 0 {
		to = 2 * time.Minute
	}
	return &ChatClient{
		baseURL:     base,
		apiKey:      opts.APIKey,
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		client:      &http.Client{Timeout: to},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) Analyze(ctx context.Context, fields map[string]any) (map[string]any, error) {
	user, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return nil, models.PermanentInputError(fmt.Errorf("encode fields: %w", err))
	}
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, models.PermanentInputError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, models.PermanentInputError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.TransientServiceError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, models.TransientServiceError(fmt.Errorf("read response: %w", err))
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, models.TransientServiceError(fmt.Errorf("ai status %d", status))
	case status < 200 || status >= 300:
		return nil, models.PermanentInputError(fmt.Errorf("ai status %d: %s", status, truncate(string(body), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, models.TransientServiceError(errors.New("malformed ai response"))
	}
	var out map[string]any
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	// Sampling is not deterministic; another attempt may return valid JSON.
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, models.TransientServiceError(fmt.Errorf("ai content is not json: %w", err))
	}
	if out == nil {
		return nil, models.TransientServiceError(errors.New("ai content is empty"))
	}
	out["model"] = c.model
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
