package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/llm"
)

func fragments(parts ...string) llm.Adapter {
	return llm.AdapterFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, part := range parts {
				if !yield(part, nil) {
					return
				}
			}
		}
	})
}

func failing(after string, err error) llm.Adapter {
	return llm.AdapterFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if after != "" && !yield(after, nil) {
				return
			}
			yield("", err)
		}
	})
}

type recorder struct {
	mu        sync.Mutex
	events    []Event
	finalized map[string]Result
}

func newRecorder() *recorder {
	return &recorder{finalized: make(map[string]Result)}
}

func (r *recorder) emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) finalize(_ context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized[res.Model] = res
	return nil
}

func (r *recorder) byModel(model string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Model == model {
			out = append(out, e)
		}
	}
	return out
}

func kinds(events []Event) string {
	out := ""
	for _, e := range events {
		out += string(e.Kind) + ";"
	}
	return out
}

func TestRunIsolatesFailingBranch(t *testing.T) {
	rec := newRecorder()
	results := New().Run(context.Background(), []Branch{
		{Model: "grok-4", MessageID: "m1", Adapter: fragments("Hel", "lo")},
		{Model: "deepseek-chat", MessageID: "m2", Adapter: failing("par", xerrors.New(xerrors.CodeProviderRejected, "status 500"))},
	}, rec.finalize, rec.emit)

	if got := kinds(rec.byModel("grok-4")); got != "start;chunk;chunk;complete;" {
		t.Fatalf("unexpected grok events: %s", got)
	}
	if got := kinds(rec.byModel("deepseek-chat")); got != "start;chunk;error;" {
		t.Fatalf("unexpected deepseek events: %s", got)
	}
	errEvent := rec.byModel("deepseek-chat")[2]
	if errEvent.MessageID != "m2" || errEvent.Error == "" {
		t.Fatalf("error event incomplete: %+v", errEvent)
	}

	if rec.finalized["grok-4"].Content != "Hello" || rec.finalized["deepseek-chat"].Content != "par" {
		t.Fatalf("unexpected finalized content: %+v", rec.finalized)
	}
	if results[0].Status != StatusCompleted || results[1].Status != StatusFailed {
		t.Fatalf("unexpected statuses: %s %s", results[0].Status, results[1].Status)
	}
}

func TestRunShortCircuitsPreResolvedFailure(t *testing.T) {
	var calls atomic.Int32
	adapter := llm.AdapterFunc(func(context.Context, llm.Request) iter.Seq2[string, error] {
		calls.Add(1)
		return func(func(string, error) bool) {}
	})

	rec := newRecorder()
	New().Run(context.Background(), []Branch{
		{Model: "claude-sonnet-4-5", MessageID: "m1", Adapter: adapter, Err: xerrors.New(xerrors.CodeMissingCredential, "")},
		{Model: "llama-3", MessageID: "m2", Err: xerrors.New(xerrors.CodeUnrecognizedModel, "llama-3")},
	}, rec.finalize, rec.emit)

	if calls.Load() != 0 {
		t.Fatalf("adapter must not be called, got %d calls", calls.Load())
	}
	for _, model := range []string{"claude-sonnet-4-5", "llama-3"} {
		if got := kinds(rec.byModel(model)); got != "start;error;" {
			t.Fatalf("unexpected events for %s: %s", model, got)
		}
		if _, ok := rec.finalized[model]; !ok {
			t.Fatalf("failed branch %s should still be finalized", model)
		}
	}
	if msg := rec.byModel("claude-sonnet-4-5")[1].Error; msg != "[MISSING_CREDENTIAL] no API key configured" {
		t.Fatalf("unexpected error text %q", msg)
	}
}

func TestRunPrepareCompletesRequest(t *testing.T) {
	var calls atomic.Int32
	var seenKey string
	adapter := llm.AdapterFunc(func(_ context.Context, req llm.Request) iter.Seq2[string, error] {
		calls.Add(1)
		seenKey = req.APIKey
		return func(yield func(string, error) bool) { yield("ok", nil) }
	})
	withKey := func(_ context.Context, req *llm.Request) error {
		req.APIKey = "resolved"
		return nil
	}
	missing := func(context.Context, *llm.Request) error {
		return xerrors.New(xerrors.CodeMissingCredential, "")
	}

	rec := newRecorder()
	results := New().Run(context.Background(), []Branch{
		{Model: "grok-4", MessageID: "m1", Adapter: adapter, Prepare: withKey},
	}, rec.finalize, rec.emit)
	if seenKey != "resolved" || !results[0].Dispatched || results[0].Status != StatusCompleted {
		t.Fatalf("prepared request not used: key=%q result=%+v", seenKey, results[0])
	}

	rec = newRecorder()
	results = New().Run(context.Background(), []Branch{
		{Model: "claude-3", MessageID: "m2", Adapter: adapter, Prepare: missing},
	}, rec.finalize, rec.emit)
	if calls.Load() != 1 {
		t.Fatalf("adapter must not be called after a failed prepare, got %d calls", calls.Load())
	}
	if got := kinds(rec.byModel("claude-3")); got != "start;error;" {
		t.Fatalf("unexpected events: %s", got)
	}
	if results[0].Dispatched || !xerrors.HasCode(results[0].Err, xerrors.CodeMissingCredential) {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if rec.finalized["claude-3"].Dispatched {
		t.Fatalf("finalizer should see an undispatched branch")
	}
}

func TestRunRecoversFromPanics(t *testing.T) {
	boom := llm.AdapterFunc(func(context.Context, llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			yield("a", nil)
			panic("adapter bug")
		}
	})

	rec := newRecorder()
	results := New().Run(context.Background(), []Branch{
		{Model: "grok-4", MessageID: "m1", Adapter: boom},
		{Model: "sonar", MessageID: "m2", Adapter: fragments("ok")},
	}, rec.finalize, rec.emit)

	if got := kinds(rec.byModel("grok-4")); got != "start;chunk;error;" {
		t.Fatalf("unexpected events after panic: %s", got)
	}
	if got := kinds(rec.byModel("sonar")); got != "start;chunk;complete;" {
		t.Fatalf("sibling affected by panic: %s", got)
	}
	if results[0].Status != StatusFailed || rec.finalized["grok-4"].Content != "a" {
		t.Fatalf("panicked branch not finalized with partial content: %+v", rec.finalized["grok-4"])
	}
}

func TestRunFinalizerFailureBecomesError(t *testing.T) {
	rec := newRecorder()
	finalize := func(ctx context.Context, res Result) error {
		if res.Model == "grok-4" {
			return errors.New("disk full")
		}
		return rec.finalize(ctx, res)
	}

	New().Run(context.Background(), []Branch{
		{Model: "grok-4", MessageID: "m1", Adapter: fragments("x")},
		{Model: "sonar", MessageID: "m2", Adapter: fragments("y")},
	}, finalize, rec.emit)

	events := rec.byModel("grok-4")
	last := events[len(events)-1]
	if last.Kind != KindError || last.Error != "[PERSISTENCE_FAILURE] persist grok-4: disk full" {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
	if got := kinds(rec.byModel("sonar")); got != "start;chunk;complete;" {
		t.Fatalf("sibling affected by finalizer failure: %s", got)
	}
}

func TestRunCancelledBranchIsNotFinalized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocking := llm.AdapterFunc(func(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("first", nil) {
				return
			}
			<-ctx.Done()
			yield("", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), ""))
		}
	})

	rec := newRecorder()
	emit := func(e Event) {
		rec.emit(e)
		if e.Kind == KindChunk {
			cancel()
		}
	}
	results := New().Run(ctx, []Branch{{Model: "grok-4", MessageID: "m1", Adapter: blocking}}, rec.finalize, emit)

	if got := kinds(rec.byModel("grok-4")); got != "start;chunk;" {
		t.Fatalf("cancelled branch must not emit a terminal event: %s", got)
	}
	if len(rec.finalized) != 0 {
		t.Fatalf("cancelled branch must not be finalized")
	}
	if results[0].Status != StatusCancelled {
		t.Fatalf("unexpected status %s", results[0].Status)
	}
}

func TestRunRespectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	slow := llm.AdapterFunc(func(context.Context, llm.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				current := peak.Load()
				if n <= current || peak.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			yield("x", nil)
		}
	})

	branches := make([]Branch, 4)
	for i := range branches {
		branches[i] = Branch{Model: string(rune('a' + i)), MessageID: string(rune('A' + i)), Adapter: slow}
	}
	rec := newRecorder()
	results := New(WithLimit(1)).Run(context.Background(), branches, rec.finalize, rec.emit)

	if peak.Load() != 1 {
		t.Fatalf("expected at most one concurrent branch, saw %d", peak.Load())
	}
	for _, res := range results {
		if res.Status != StatusCompleted {
			t.Fatalf("unexpected status %s for %s", res.Status, res.Model)
		}
	}
}
