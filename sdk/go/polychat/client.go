// Package polychat is a Go client for the PolyChat HTTP API.
package polychat

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
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout applies to the non-streaming calls of clients created
// without a custom http.Client. Streaming calls rely on the context only.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a PolyChat server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	streamer   *http.Client
	userID     string
	header     string
}

// ChatRequest is one chat turn.
type ChatRequest struct {
	Message        string   `json:"message"`
	Models         []string `json:"models"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Event is one server-sent event of a chat run.
type Event struct {
	Event     string `json:"event"`
	Model     string `json:"model"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Conversation is a stored chat.
type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is a stored turn.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Model          string `json:"model"`
	Feedback       string `json:"feedback,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Stream is a started chat run.
type Stream struct {
	ConversationID string
	body           io.ReadCloser
}

// APIError represents a non-2xx answer.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("polychat api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("polychat api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client acting as userID. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL, userID string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("polychat: user id is required")
	}
	streamer := httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
		streamer = &http.Client{}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, streamer: streamer, userID: userID, header: "X-User-ID"}, nil
}

// SetIdentityHeader overrides the header carrying the user id.
func (c *Client) SetIdentityHeader(name string) {
	if name != "" {
		c.header = name
	}
}

// StreamChat starts a run. The caller must range over Events or Close the
// stream.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamer.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return &Stream{ConversationID: resp.Header.Get("X-Conversation-ID"), body: resp.Body}, nil
}

// Events yields every event until the run ends. The body is closed when the
// loop ends.
func (s *Stream) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		defer s.body.Close()
		scanner := bufio.NewScanner(s.body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				yield(Event{}, fmt.Errorf("decode event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read stream: %w", err))
		}
	}
}

// Close releases the stream without reading it.
func (s *Stream) Close() error {
	return s.body.Close()
}

// CatchUp builds the catch-up message for a conversation. An empty
// messageIDs selects every message.
func (c *Client) CatchUp(ctx context.Context, conversationID string, messageIDs []string) (string, error) {
	payload := map[string]any{"conversation_id": conversationID}
	if len(messageIDs) > 0 {
		payload["message_ids"] = messageIDs
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/chat/catch-up", payload, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Feedback rates an assistant message: "up", "down" or "" to clear.
func (c *Client) Feedback(ctx context.Context, messageID, feedback string) error {
	return c.send(ctx, http.MethodPost, "/api/v1/chat/feedback", map[string]string{
		"message_id": messageID,
		"feedback":   feedback,
	}, nil)
}

// Conversations lists the most recently updated conversations.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.send(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the messages of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	endpoint := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/conversations/"+url.PathEscape(conversationID), nil, nil)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(c.header, c.userID)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
