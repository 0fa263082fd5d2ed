package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/observability/metrics"
	"PolyChat/pkg/logger"
)

// FinalizeFunc persists the outcome of a branch before its terminal event.
// It is not called for cancelled branches.
type FinalizeFunc func(ctx context.Context, res Result) error

// Multiplexer fans branches out and serialises their events.
type Multiplexer struct {
	limit  int
	logger *slog.Logger
}

// Option customises a Multiplexer.
type Option func(*Multiplexer)

// WithLimit bounds how many branches stream at once. Zero means unbounded.
func WithLimit(n int) Option {
	return func(m *Multiplexer) { m.limit = n }
}

// WithLogger sets the logger used for branch failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Multiplexer.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{logger: logger.Named("stream")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes every branch and blocks until all of them ended. emit is
// never called concurrently; events of one branch keep their order. The
// returned results follow the order of branches.
func (m *Multiplexer) Run(ctx context.Context, branches []Branch, finalize FinalizeFunc, emit func(Event)) []Result {
	var mu sync.Mutex
	send := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		emit(e)
	}

	results := make([]Result, len(branches))
	var group errgroup.Group
	if m.limit > 0 {
		group.SetLimit(m.limit)
	}
	for i := range branches {
		group.Go(func() error {
			results[i] = m.runBranch(ctx, branches[i], finalize, send)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (m *Multiplexer) runBranch(ctx context.Context, b Branch, finalize FinalizeFunc, send func(Event)) (res Result) {
	start := time.Now()
	done := metrics.BranchStarted(b.Family)
	res = Result{Model: b.Model, Family: b.Family, MessageID: b.MessageID}
	var acc strings.Builder
	finishing := false

	defer func() {
		if r := recover(); r != nil {
			res.Err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("branch panicked: %v", r))
			res.Status = StatusFailed
			res.Content = acc.String()
			m.logger.Error("branch panicked", slog.String("model", b.Model), slog.Any("panic", r))
			if !finishing {
				finishing = true
				m.finish(ctx, &res, finalize, send)
			}
		}
		res.Duration = time.Since(start)
		done(string(res.Status))
	}()

	if ctx.Err() != nil {
		res.Status = StatusCancelled
		res.Err = xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "")
		return res
	}

	send(Event{Kind: KindStart, Model: b.Model, MessageID: b.MessageID})

	switch {
	case b.Err != nil:
		res.Err = b.Err
	case b.Adapter == nil:
		res.Err = xerrors.New(xerrors.CodeInitializationFailure, "no adapter for "+b.Model)
	default:
		req := b.Request
		if b.Prepare != nil {
			if err := b.Prepare(ctx, &req); err != nil {
				res.Err = err
				break
			}
		}
		res.Dispatched = true
		for fragment, err := range b.Adapter.Stream(ctx, req) {
			if err != nil {
				res.Err = err
				break
			}
			if fragment == "" {
				continue
			}
			acc.WriteString(fragment)
			send(Event{Kind: KindChunk, Model: b.Model, MessageID: b.MessageID, Content: fragment})
		}
	}
	res.Content = acc.String()

	if ctx.Err() != nil || xerrors.HasCode(res.Err, xerrors.CodeCancelled) {
		res.Status = StatusCancelled
		if res.Err == nil {
			res.Err = xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "")
		}
		return res
	}

	if res.Err != nil {
		res.Status = StatusFailed
	} else {
		res.Status = StatusCompleted
	}
	finishing = true
	m.finish(ctx, &res, finalize, send)
	return res
}

// finish persists the branch and emits its terminal event.
func (m *Multiplexer) finish(ctx context.Context, res *Result, finalize FinalizeFunc, send func(Event)) {
	if finalize != nil {
		if ferr := safeFinalize(ctx, finalize, *res); ferr != nil {
			m.logger.Error("finalize branch failed",
				slog.String("model", res.Model),
				slog.String("message_id", res.MessageID),
				slog.String("code", string(xerrors.CodeOf(ferr))),
				slog.Any("error", ferr))
			if res.Err == nil {
				res.Err = ferr
				res.Status = StatusFailed
			}
		}
	}

	if res.Err != nil {
		m.logger.Warn("branch failed",
			slog.String("model", res.Model),
			slog.String("message_id", res.MessageID),
			slog.String("code", string(xerrors.CodeOf(res.Err))),
			slog.Any("error", res.Err))
		send(Event{Kind: KindError, Model: res.Model, MessageID: res.MessageID, Error: res.Err.Error()})
		return
	}
	send(Event{Kind: KindComplete, Model: res.Model, MessageID: res.MessageID})
}

func safeFinalize(ctx context.Context, finalize FinalizeFunc, res Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodePersistenceFailure, fmt.Sprintf("finalizer panicked: %v", r))
		}
	}()
	if err := finalize(ctx, res); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "persist "+res.Model)
	}
	return nil
}
