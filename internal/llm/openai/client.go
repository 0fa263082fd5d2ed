package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 2048
)

// Config describes an OpenAI compatible streaming endpoint.
type Config struct {
	BaseURL string
	// Timeout bounds the wait for response headers. The stream itself is
	// bounded only by the request context.
	Timeout time.Duration
}

// Client streams chat completions token by token over SSE.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a token-stream adapter.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements llm.Adapter.
func (c *Client) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if strings.TrimSpace(req.APIKey) == "" {
			yield("", xerrors.New(xerrors.CodeMissingCredential, ""))
			return
		}

		resp, err := c.open(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		decoder := newSSEDecoder(resp.Body)
		produced, decoded, malformed := 0, 0, 0
		for {
			payload, err := decoder.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, bufio.ErrTooLong) {
					yield("", xerrors.Wrap(xerrors.CodeProviderMalformed, err, "stream event exceeds size limit"))
					return
				}
				yield("", transportError(ctx, err, "read stream"))
				return
			}
			if string(bytes.TrimSpace(payload)) == "[DONE]" {
				break
			}

			chunk, ok := decodeChunk(payload)
			if !ok {
				malformed++
				continue
			}
			decoded++
			if chunk.Error != nil {
				yield("", xerrors.New(xerrors.CodeProviderRejected, chunk.Error.Message))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if ctx.Err() != nil {
					yield("", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), ""))
					return
				}
				produced++
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}

		if produced == 0 && decoded == 0 && malformed > 0 {
			yield("", xerrors.Newf(xerrors.CodeProviderMalformed, "%d undecodable events", malformed))
		}
	}
}

func (c *Client) open(ctx context.Context, req llm.Request) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		User:     req.SessionKey,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err, "request "+req.Model)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, RejectedError(resp)
	}
	return resp, nil
}

// RejectedError converts a non-2xx response into PROVIDER_REJECTED carrying
// the status and a bounded copy of the body.
func RejectedError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return xerrors.New(xerrors.CodeProviderRejected,
		fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError),
	)
}

func transportError(ctx context.Context, err error, message string) error {
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), message)
	}
	return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, message)
}

// decodeChunk decodes one event strictly. A payload that only decodes after
// repair is kept when it carries an error object, never for its deltas.
func decodeChunk(payload []byte) (streamChunk, bool) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err == nil {
		return chunk, true
	}
	repaired, err := jsonrepair.JSONRepair(string(payload))
	if err != nil {
		return streamChunk{}, false
	}
	var salvaged streamChunk
	if err := json.Unmarshal([]byte(repaired), &salvaged); err != nil || salvaged.Error == nil {
		return streamChunk{}, false
	}
	return streamChunk{Error: salvaged.Error}, true
}
