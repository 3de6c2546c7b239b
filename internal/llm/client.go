// Package llm drives the external generation backends. It speaks the
// OpenAI chat-completions and Anthropic messages APIs, both for one-shot
// completions (planning) and token streaming (copy generation).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skeezrxcco/blastermailer/internal/config"
	"github.com/skeezrxcco/blastermailer/pkg/models"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a backend-agnostic generation request. Entry decides which
// wire protocol and credentials apply.
type Request struct {
	Entry       models.ModelEntry
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting reported by a backend.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is a completed (non-streaming) generation.
type Response struct {
	Content   string
	Usage     Usage
	LatencyMs int64
}

// TokenFunc receives each streamed text delta in order.
type TokenFunc func(token string)

// Client generates text against the configured backends.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete runs a one-shot generation and returns the full text.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream runs a streaming generation, invoking onToken per delta,
	// and returns the final accumulated response.
	Stream(ctx context.Context, req Request, onToken TokenFunc) (*Response, error)
}

// EstimateCost converts token usage to USD using the entry's per-1K rates.
func EstimateCost(entry models.ModelEntry, u Usage) float64 {
	return float64(u.InputTokens)/1000*entry.InputCostPer1K +
		float64(u.OutputTokens)/1000*entry.OutputCostPer1K
}

// ── HTTP Client ─────────────────────────────────────────────

// HTTPClient is the production client. One instance serves all entries;
// the entry's Provider field selects the wire protocol.
type HTTPClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var resp *Response
	var err error
	switch req.Entry.Provider {
	case "anthropic":
		resp, err = c.completeAnthropic(ctx, req)
	default:
		resp, err = c.completeOpenAI(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

func (c *HTTPClient) Stream(ctx context.Context, req Request, onToken TokenFunc) (*Response, error) {
	start := time.Now()

	var resp *Response
	var err error
	switch req.Entry.Provider {
	case "anthropic":
		resp, err = c.streamAnthropic(ctx, req, onToken)
	default:
		resp, err = c.streamOpenAI(ctx, req, onToken)
	}
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// ── OpenAI Wire Protocol ────────────────────────────────────

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) openAIMessages(req Request) []Message {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	return append(msgs, req.Messages...)
}

func (c *HTTPClient) newOpenAIRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if c.cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}
	body, _ := json.Marshal(openAIRequest{
		Model:       req.Entry.Model,
		Messages:    c.openAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIEndpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
	return httpReq, nil
}

func (c *HTTPClient) completeOpenAI(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newOpenAIRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: provider status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oai openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oai); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oai.Choices) > 0 {
		content = oai.Choices[0].Message.Content
	}
	return &Response{
		Content: content,
		Usage:   Usage{InputTokens: oai.Usage.PromptTokens, OutputTokens: oai.Usage.CompletionTokens},
	}, nil
}

func (c *HTTPClient) streamOpenAI(ctx context.Context, req Request, onToken TokenFunc) (*Response, error) {
	httpReq, err := c.newOpenAIRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: provider status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var full strings.Builder
	var usage Usage
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			onToken(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}

	content := full.String()
	if usage.OutputTokens == 0 {
		usage = approximateUsage(req, content)
	}
	return &Response{Content: content, Usage: usage}, nil
}

// ── Anthropic Wire Protocol ─────────────────────────────────

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) newAnthropicRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if c.cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = req.Entry.MaxOutputTokens
	}
	body, _ := json.Marshal(anthropicRequest{
		Model:       req.Entry.Model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AnthropicEndpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.AnthropicAPIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (c *HTTPClient) completeAnthropic(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newAnthropicRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: provider status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anth anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anth); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, part := range anth.Content {
		if part.Type == "text" {
			content.WriteString(part.Text)
		}
	}
	return &Response{
		Content: content.String(),
		Usage:   Usage{InputTokens: anth.Usage.InputTokens, OutputTokens: anth.Usage.OutputTokens},
	}, nil
}

func (c *HTTPClient) streamAnthropic(ctx context.Context, req Request, onToken TokenFunc) (*Response, error) {
	httpReq, err := c.newAnthropicRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: provider status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var full strings.Builder
	var usage Usage
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				full.WriteString(ev.Delta.Text)
				onToken(ev.Delta.Text)
			}
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	content := full.String()
	if usage.OutputTokens == 0 {
		usage = approximateUsage(req, content)
	}
	return &Response{Content: content, Usage: usage}, nil
}

// ── Helpers ─────────────────────────────────────────────────

// approximateUsage backfills token counts when a streaming backend omits
// usage data. Roughly 4 bytes per token.
func approximateUsage(req Request, content string) Usage {
	inBytes := len(req.System)
	for _, m := range req.Messages {
		inBytes += len(m.Content)
	}
	return Usage{
		InputTokens:  int64(inBytes/4) + 1,
		OutputTokens: int64(len(content)/4) + 1,
	}
}
