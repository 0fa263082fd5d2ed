// Package oneshot adapts providers that answer a chat completion in one
// blocking response. The reply is replayed as word sized fragments so callers
// see the same stream shape as token-stream providers.
package oneshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/llm"
	"PolyChat/internal/llm/openai"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultExchanges = 5
)

// Config describes a single-shot endpoint.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// ChunkDelay is the pause between replayed fragments.
	ChunkDelay time.Duration
	// Exchanges bounds the prior turns folded into the preamble.
	Exchanges int
}

// Client performs one blocking chat completion per branch.
type Client struct {
	baseURL    string
	delay      time.Duration
	exchanges  int
	httpClient *http.Client
}

// NewClient builds a single-shot adapter.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	exchanges := cfg.Exchanges
	if exchanges <= 0 {
		exchanges = defaultExchanges
	}
	delay := cfg.ChunkDelay
	if delay < 0 {
		delay = 0
	}
	return &Client{
		baseURL:    baseURL,
		delay:      delay,
		exchanges:  exchanges,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Stream implements llm.Adapter.
func (c *Client) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if strings.TrimSpace(req.APIKey) == "" {
			yield("", xerrors.New(xerrors.CodeMissingCredential, ""))
			return
		}
		last, idx := req.LastUserMessage()
		if idx < 0 {
			yield("", xerrors.New(xerrors.CodeInvalidRequest, "no user message in context"))
			return
		}

		messages := make([]llm.Message, 0, 2)
		if preamble := BuildPreamble(req.Messages[:idx], c.exchanges); preamble != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: preamble})
		}
		messages = append(messages, last)

		reply, err := c.complete(ctx, completionRequest{Model: req.Model, Messages: messages, User: req.SessionKey}, req.APIKey)
		if err != nil {
			yield("", err)
			return
		}
		for fragment, err := range llm.Rechunk(ctx, reply, c.delay) {
			if !yield(fragment, err) || err != nil {
				return
			}
		}
	}
}

func (c *Client) complete(ctx context.Context, payload completionRequest, apiKey string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidRequest, err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidRequest, err, "build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "request "+payload.Model)
		}
		return "", xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "request "+payload.Model)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", openai.RejectedError(resp)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeProviderMalformed, err, "decode response")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeProviderMalformed, "response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// BuildPreamble folds the last exchanges of prior turns into a system prompt.
// System messages are skipped. It returns "" when there is nothing to fold.
func BuildPreamble(prior []llm.Message, exchanges int) string {
	if exchanges > 0 && len(prior) > exchanges*2 {
		prior = prior[len(prior)-exchanges*2:]
	}
	lines := make([]string, 0, len(prior))
	for _, msg := range prior {
		if msg.Role == llm.RoleSystem {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Previous conversation:\n" + strings.Join(lines, "\n") + "\n\nPlease continue the conversation naturally."
}
