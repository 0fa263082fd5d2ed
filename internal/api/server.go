package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"PolyChat/internal/auth"
	"PolyChat/internal/chat"
	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/observability/metrics"
	"PolyChat/internal/session"
	"PolyChat/internal/stream"
	"PolyChat/pkg/logger"
)

// messagePageLimit bounds the messages returned for one conversation.
const messagePageLimit = 1000

// ChatService is the orchestrator surface the server needs.
type ChatService interface {
	StreamChat(ctx context.Context, userID string, req chat.Request) (*chat.Run, error)
	BuildCatchUp(ctx context.Context, userID, conversationID string, messageIDs []string) (string, error)
}

// Options configures the HTTP server.
type Options struct {
	Address         string
	IdentityHeader  string
	ShutdownTimeout time.Duration
}

// Server exposes the REST and SSE endpoints.
type Server struct {
	opts   Options
	chat   ChatService
	store  session.Store
	logger *slog.Logger
}

// NewServer builds the API server.
func NewServer(opts Options, chatSvc ChatService, store session.Store) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{opts: opts, chat: chatSvc, store: store, logger: logger.Named("api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	identity := auth.Middleware(auth.MiddlewareConfig{Header: s.opts.IdentityHeader})

	api := http.NewServeMux()
	api.Handle("POST /api/v1/chat/stream", instrument("chat_stream", s.handleStream))
	api.Handle("POST /api/v1/chat/catch-up", instrument("chat_catch_up", s.handleCatchUp))
	api.Handle("POST /api/v1/chat/feedback", instrument("chat_feedback", s.handleFeedback))
	api.Handle("GET /api/v1/conversations", instrument("conversations_list", s.handleListConversations))
	api.Handle("GET /api/v1/conversations/{id}/messages", instrument("conversation_messages", s.handleMessages))
	api.Handle("DELETE /api/v1/conversations/{id}", instrument("conversation_delete", s.handleDeleteConversation))

	mux := http.NewServeMux()
	mux.Handle("/api/", identity(api))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if !decodeBody(w, r, &req) {
		return
	}
	userID, _ := auth.UserFromContext(r.Context())

	run, err := s.chat.StreamChat(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Conversation-ID", run.ConversationID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()
	broken := false
	// The run ends on its own once the request context is gone, so keep
	// draining after a failed write.
	for e := range run.Events {
		if broken {
			continue
		}
		if err := writeEvent(w, e); err != nil {
			s.logger.Debug("client went away", slog.String("conversation_id", run.ConversationID), slog.Any("error", err))
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

func writeEvent(w io.Writer, e stream.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
	return err
}

type catchUpRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	var req catchUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, _ := auth.UserFromContext(r.Context())
	message, err := s.chat.BuildCatchUp(r.Context(), userID, req.ConversationID, req.MessageIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "message_id is required"))
		return
	}
	feedback, err := session.ParseFeedback(req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	userID, _ := auth.UserFromContext(r.Context())
	if err := s.store.SetFeedback(r.Context(), req.MessageID, userID, feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := session.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	userID, _ := auth.UserFromContext(r.Context())
	list, err := s.store.ListConversations(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*session.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	list, err := s.store.FindMessages(r.Context(), r.PathValue("id"), userID, session.FindOptions{
		Order: session.OldestFirst,
		Limit: messagePageLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	if err := s.store.DeleteConversation(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type errorBody struct {
	Code  xerrors.Code `json:"code"`
	Error string       `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if code == xerrors.CodeUnknown || statusFor(code) >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, statusFor(code), errorBody{Code: code, Error: message})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "request body is not valid JSON"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// instrument records request metrics under a stable handler name.
func instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
