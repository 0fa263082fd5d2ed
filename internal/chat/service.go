// Package chat drives one multi-model request: it records the user turn,
// dispatches a branch per model and records what every branch produced.
package chat

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/events"
	"PolyChat/internal/llm"
	"PolyChat/internal/observability/metrics"
	"PolyChat/internal/provider"
	"PolyChat/internal/session"
	"PolyChat/internal/stream"
	"PolyChat/pkg/logger"
)

// Request is one inbound chat turn.
type Request struct {
	Message        string   `json:"message"`
	Models         []string `json:"models"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Run is a started request. Events is closed once every branch ended and
// the conversation was recorded.
type Run struct {
	ConversationID string
	UserMessageID  string
	Events         <-chan stream.Event
}

// AdapterSource returns the adapter configured for a family.
type AdapterSource interface {
	Adapter(family provider.Family) (llm.Adapter, bool)
}

// CredentialResolver returns the secret a user's branch should send.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, family provider.Family) (string, error)
}

// Service is the orchestrator.
type Service struct {
	store       session.Store
	creds       CredentialResolver
	adapters    AdapterSource
	publisher   events.Publisher
	mux         *stream.Multiplexer
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	history     int
	titleLength int
	writeWait   time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher sets where run notices go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithHistoryLimit bounds how many stored messages are sent as context.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithTitleLength bounds the conversation title in characters.
func WithTitleLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.titleLength = n
		}
	}
}

// WithMultiplexer replaces the default multiplexer.
func WithMultiplexer(m *stream.Multiplexer) Option {
	return func(s *Service) {
		if m != nil {
			s.mux = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how conversation and message ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWriteTimeout bounds the writes made after a branch or run ended.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.writeWait = d
		}
	}
}

// NewService wires the orchestrator to its collaborators.
func NewService(store session.Store, creds CredentialResolver, adapters AdapterSource, opts ...Option) *Service {
	s := &Service{
		store:       store,
		creds:       creds,
		adapters:    adapters,
		publisher:   events.NopPublisher{},
		logger:      logger.Named("chat"),
		now:         time.Now,
		newID:       uuid.NewString,
		history:     10,
		titleLength: 50,
		writeWait:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mux == nil {
		s.mux = stream.New()
	}
	return s
}

// StreamChat records the user message, loads the recent history and starts
// one branch per model. The returned error is set only when nothing was
// started; branch failures arrive as error events.
func (s *Service) StreamChat(ctx context.Context, userID string, req Request) (*Run, error) {
	if s.store == nil || s.creds == nil || s.adapters == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chat service not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "user id cannot be empty")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "message cannot be empty")
	}
	models := dedupeModels(req.Models)
	if len(models) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "at least one model is required")
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = s.newID()
	}

	userMsg := &session.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           session.RoleUser,
		Content:        req.Message,
		Model:          session.UserModel,
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, persistenceError(err, "persist user message")
	}

	history, err := s.loadHistory(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Event, 4*len(models))
	r := &run{
		conversationID: conversationID,
		userID:         userID,
		message:        req.Message,
		models:         models,
		history:        history,
		out:            out,
	}
	go s.execute(ctx, r)

	return &Run{ConversationID: conversationID, UserMessageID: userMsg.ID, Events: out}, nil
}

// run is the state of one request once it left Loading.
type run struct {
	conversationID string
	userID         string
	message        string
	models         []string
	history        []llm.Message
	out            chan<- stream.Event
}

func (s *Service) execute(ctx context.Context, r *run) {
	defer close(r.out)

	branches := s.dispatch(r)
	emit := func(e stream.Event) {
		select {
		case r.out <- e:
		case <-ctx.Done():
		}
	}
	results := s.mux.Run(ctx, branches, s.persistBranch(r), emit)
	s.finish(ctx, r, results)
}

// dispatch classifies every model and builds its branch. A model that cannot
// be served still gets a branch that ends in an error.
func (s *Service) dispatch(r *run) []stream.Branch {
	branches := make([]stream.Branch, 0, len(r.models))
	for _, model := range r.models {
		family := provider.Classify(model)
		b := stream.Branch{Model: model, Family: string(family), MessageID: s.newID()}
		branches = append(branches, b)
		last := &branches[len(branches)-1]

		if family == provider.FamilyUnrecognized {
			last.Err = xerrors.Newf(xerrors.CodeUnrecognizedModel, "no provider family matches model %q", model)
			continue
		}
		adapter, ok := s.adapters.Adapter(family)
		if !ok {
			last.Err = xerrors.Newf(xerrors.CodeProviderUnavailable, "provider family %s is not enabled", family)
			continue
		}
		last.Adapter = adapter
		last.Request = llm.Request{
			Model:      model,
			Messages:   r.history,
			SessionKey: llm.SessionKey(r.conversationID, model),
		}
		last.Prepare = s.resolveKey(r.userID, family)
	}
	return branches
}

// resolveKey looks the credential up inside the branch so a slow store only
// delays the model it serves.
func (s *Service) resolveKey(userID string, family provider.Family) func(context.Context, *llm.Request) error {
	return func(ctx context.Context, req *llm.Request) error {
		key, err := s.creds.Resolve(ctx, userID, family)
		if err != nil {
			return err
		}
		req.APIKey = key
		return nil
	}
}

// persistBranch stores the assistant message of every branch that reached
// its provider, failed ones included with whatever text they produced.
func (s *Service) persistBranch(r *run) stream.FinalizeFunc {
	return func(ctx context.Context, res stream.Result) error {
		if !res.Dispatched {
			return nil
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeWait)
		defer cancel()
		msg := &session.Message{
			ID:             res.MessageID,
			ConversationID: r.conversationID,
			UserID:         r.userID,
			Role:           session.RoleAssistant,
			Content:        res.Content,
			Model:          res.Model,
			CreatedAt:      s.now().UnixMilli(),
		}
		if err := s.store.AppendMessage(writeCtx, msg); err != nil {
			return persistenceError(err, "persist reply of "+res.Model)
		}
		return nil
	}
}

// finish runs once every branch ended: it records the conversation, publishes
// the run notice and audits the outcome. None of these steps fail the run.
func (s *Service) finish(ctx context.Context, r *run, results []stream.Result) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeWait)
	defer cancel()

	now := s.now().UnixMilli()
	conv := session.Conversation{
		ID:        r.conversationID,
		UserID:    r.userID,
		Title:     Title(r.message, s.titleLength),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertConversation(writeCtx, conv); err != nil {
		s.logger.Error("record conversation failed",
			slog.String("conversation_id", r.conversationID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}

	outcomes := make([]events.Outcome, 0, len(results))
	statuses := make(map[string]string, len(results))
	for _, res := range results {
		o := events.Outcome{Model: res.Model, MessageID: res.MessageID, Status: string(res.Status)}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		outcomes = append(outcomes, o)
		statuses[res.Model] = string(res.Status)
	}

	notice := events.Notice{
		ConversationID: r.conversationID,
		UserID:         r.userID,
		Title:          conv.Title,
		Outcomes:       outcomes,
		FinishedAt:     now,
	}
	if err := s.publisher.Publish(writeCtx, notice); err != nil {
		metrics.ObserveNotice("failed")
		s.logger.Warn("publish run notice failed",
			slog.String("conversation_id", r.conversationID),
			slog.Any("error", err))
	} else {
		metrics.ObserveNotice("published")
	}

	logger.Audit().Info("chat run finished",
		slog.String("conversation_id", r.conversationID),
		slog.String("user_id", r.userID),
		slog.Any("models", statuses),
		slog.Bool("cancelled", ctx.Err() != nil),
	)
}

func (s *Service) loadHistory(ctx context.Context, conversationID, userID string) ([]llm.Message, error) {
	stored, err := s.store.FindMessages(ctx, conversationID, userID, session.FindOptions{
		Order: session.NewestFirst,
		Limit: s.history,
	})
	if err != nil {
		return nil, persistenceError(err, "load history")
	}
	slices.Reverse(stored)
	history := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		role := llm.RoleUser
		if msg.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: msg.Content})
	}
	return history, nil
}

// Title is the first limit characters of message as sent.
func Title(message string, limit int) string {
	runes := []rune(message)
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit])
	}
	return message
}

func dedupeModels(models []string) []string {
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, model := range models {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if _, ok := seen[model]; ok {
			continue
		}
		seen[model] = struct{}{}
		out = append(out, model)
	}
	return out
}

func persistenceError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodePersistenceFailure, err, message)
}
