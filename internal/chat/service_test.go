package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PolyChat/internal/credential"
	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/events"
	"PolyChat/internal/llm"
	"PolyChat/internal/provider"
	"PolyChat/internal/session"
	"PolyChat/internal/stream"
)

type fakeAdapter struct {
	reply []string
	err   error
	block bool

	calls    atomic.Int32
	mu       sync.Mutex
	requests []llm.Request
}

func (f *fakeAdapter) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, part := range f.reply {
			if !yield(part, nil) {
				return
			}
		}
		if f.block {
			<-ctx.Done()
			yield("", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), ""))
			return
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeAdapter) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("adapter was never called")
	}
	return f.requests[len(f.requests)-1]
}

type tickClock struct {
	mu sync.Mutex
	ms int64
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms++
	return time.UnixMilli(c.ms)
}

type fixture struct {
	store     *session.MemoryStore
	keys      *credential.MemoryStore
	publisher *events.MemoryPublisher
	gpt       *fakeAdapter
	claude    *fakeAdapter
	service   *Service
}

func newFixture(t *testing.T, sharedKey string) *fixture {
	t.Helper()
	f := &fixture{
		store:     session.NewMemoryStore(),
		keys:      credential.NewMemoryStore(),
		publisher: events.NewMemoryPublisher(8),
		gpt:       &fakeAdapter{reply: []string{"Hello ", "from ", "gpt"}},
		claude:    &fakeAdapter{reply: []string{"Hi, ", "claude ", "here"}},
	}
	registry := provider.NewStaticRegistry(map[provider.Family]llm.Adapter{
		provider.FamilyGPT:    f.gpt,
		provider.FamilyClaude: f.claude,
	})
	clock := &tickClock{ms: 1000}
	f.service = NewService(f.store, credential.NewResolver(f.keys, sharedKey), registry,
		WithPublisher(f.publisher),
		WithClock(clock.now),
	)
	return f
}

func drain(t *testing.T, run *Run) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-run.Events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("run did not finish, events so far: %+v", out)
		}
	}
}

func byModel(list []stream.Event) map[string][]stream.Event {
	grouped := make(map[string][]stream.Event)
	for _, e := range list {
		grouped[e.Model] = append(grouped[e.Model], e)
	}
	return grouped
}

func assertBranch(t *testing.T, list []stream.Event, terminal stream.Kind) {
	t.Helper()
	if len(list) < 2 {
		t.Fatalf("expected start and terminal event, got %+v", list)
	}
	if list[0].Kind != stream.KindStart {
		t.Fatalf("first event should be start, got %+v", list[0])
	}
	last := list[len(list)-1]
	if last.Kind != terminal {
		t.Fatalf("expected terminal %s, got %+v", terminal, last)
	}
	for _, e := range list[1 : len(list)-1] {
		if e.Kind != stream.KindChunk {
			t.Fatalf("only chunks may sit between start and terminal: %+v", e)
		}
	}
}

func TestStreamChatTwoModels(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	f.keys.Set("u1", provider.FamilyClaude, credential.Explicit("sk-claude"))

	run, err := f.service.StreamChat(context.Background(), "u1", Request{
		Message: "Hi",
		Models:  []string{"gpt-5.2", "claude-sonnet-4-5"},
	})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	if run.ConversationID == "" {
		t.Fatalf("conversation id should be minted")
	}
	grouped := byModel(drain(t, run))
	assertBranch(t, grouped["gpt-5.2"], stream.KindComplete)
	assertBranch(t, grouped["claude-sonnet-4-5"], stream.KindComplete)

	ctx := context.Background()
	stored, err := f.store.FindMessages(ctx, run.ConversationID, "u1", session.FindOptions{})
	if err != nil {
		t.Fatalf("find messages: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected user message plus two replies, got %d", len(stored))
	}
	if stored[0].Role != session.RoleUser || stored[0].ID != run.UserMessageID || stored[0].Content != "Hi" {
		t.Fatalf("user message should be stored first: %+v", stored[0])
	}
	replies := map[string]string{}
	for _, msg := range stored[1:] {
		if msg.Role != session.RoleAssistant || msg.Feedback != session.FeedbackNone {
			t.Fatalf("unexpected reply row: %+v", msg)
		}
		replies[msg.Model] = msg.Content
	}
	if replies["gpt-5.2"] != "Hello from gpt" || replies["claude-sonnet-4-5"] != "Hi, claude here" {
		t.Fatalf("reply content mismatch: %v", replies)
	}

	for model, list := range grouped {
		if list[0].MessageID == "" || list[0].MessageID != list[len(list)-1].MessageID {
			t.Fatalf("%s: message id must be stable across events", model)
		}
	}

	conv, err := f.store.GetConversation(ctx, run.ConversationID, "u1")
	if err != nil {
		t.Fatalf("conversation not recorded: %v", err)
	}
	if conv.Title != "Hi" {
		t.Fatalf("unexpected title %q", conv.Title)
	}

	if key := f.gpt.lastRequest(t).APIKey; key != "sk-gpt" {
		t.Fatalf("gpt branch used %q", key)
	}
	req := f.claude.lastRequest(t)
	if req.SessionKey != llm.SessionKey(run.ConversationID, "claude-sonnet-4-5") {
		t.Fatalf("session key not derived from conversation and model")
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hi" || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("context should hold the new user message: %+v", req.Messages)
	}

	select {
	case notice := <-f.publisher.Notices():
		if notice.ConversationID != run.ConversationID || len(notice.Outcomes) != 2 {
			t.Fatalf("unexpected notice: %+v", notice)
		}
		for _, o := range notice.Outcomes {
			if o.Status != string(stream.StatusCompleted) {
				t.Fatalf("unexpected outcome: %+v", o)
			}
		}
	default:
		t.Fatalf("run notice not published")
	}
}

func TestStreamChatMissingCredentialSkipsAdapter(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))

	run, err := f.service.StreamChat(context.Background(), "u1", Request{
		Message: "Hi",
		Models:  []string{"gpt-5.2", "claude-sonnet-4-5"},
	})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	grouped := byModel(drain(t, run))

	assertBranch(t, grouped["gpt-5.2"], stream.KindComplete)
	claude := grouped["claude-sonnet-4-5"]
	assertBranch(t, claude, stream.KindError)
	if !strings.Contains(claude[len(claude)-1].Error, string(xerrors.CodeMissingCredential)) {
		t.Fatalf("error should name the missing credential: %q", claude[len(claude)-1].Error)
	}
	if calls := f.claude.calls.Load(); calls != 0 {
		t.Fatalf("claude adapter must not be called, got %d calls", calls)
	}

	stored, _ := f.store.FindMessages(context.Background(), run.ConversationID, "u1", session.FindOptions{})
	if len(stored) != 2 || stored[1].Model != "gpt-5.2" {
		t.Fatalf("expected user message and gpt reply only, got %+v", stored)
	}
}

func TestStreamChatSharedFallback(t *testing.T) {
	f := newFixture(t, "shared-secret")
	f.keys.Set("u1", provider.FamilyClaude, credential.UseShared())

	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"claude-opus-4"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	assertBranch(t, byModel(drain(t, run))["claude-opus-4"], stream.KindComplete)
	if key := f.claude.lastRequest(t).APIKey; key != "shared-secret" {
		t.Fatalf("expected shared key, got %q", key)
	}
}

func TestStreamChatBranchIsolation(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	f.keys.Set("u1", provider.FamilyClaude, credential.Explicit("sk-claude"))
	f.claude.reply = []string{"partial"}
	f.claude.err = xerrors.New(xerrors.CodeProviderRejected, "overloaded")

	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"gpt-4o", "claude-3"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	grouped := byModel(drain(t, run))
	assertBranch(t, grouped["gpt-4o"], stream.KindComplete)
	assertBranch(t, grouped["claude-3"], stream.KindError)
	if len(grouped["gpt-4o"]) != 5 {
		t.Fatalf("gpt branch should deliver every fragment: %+v", grouped["gpt-4o"])
	}

	stored, _ := f.store.FindMessages(context.Background(), run.ConversationID, "u1", session.FindOptions{})
	contents := map[string]string{}
	for _, msg := range stored {
		contents[msg.Model] = msg.Content
	}
	if contents["claude-3"] != "partial" {
		t.Fatalf("partial reply of the failed branch should be kept: %v", contents)
	}
}

func TestStreamChatFailedBranchWithoutTextKeepsRow(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	f.keys.Set("u1", provider.FamilyClaude, credential.Explicit("sk-claude"))
	f.claude.reply = nil
	f.claude.err = xerrors.New(xerrors.CodeProviderRejected, "invalid api key")

	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"gpt-4o", "claude-3"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	grouped := byModel(drain(t, run))
	assertBranch(t, grouped["gpt-4o"], stream.KindComplete)
	claude := grouped["claude-3"]
	assertBranch(t, claude, stream.KindError)
	if len(claude) != 2 {
		t.Fatalf("failed branch should emit start and error only: %+v", claude)
	}

	stored, _ := f.store.FindMessages(context.Background(), run.ConversationID, "u1", session.FindOptions{})
	var rows []*session.Message
	for _, msg := range stored {
		if msg.Model == "claude-3" {
			rows = append(rows, msg)
		}
	}
	if len(rows) != 1 {
		t.Fatalf("expected one claude-3 row, got %d in %+v", len(rows), stored)
	}
	if rows[0].Role != session.RoleAssistant || rows[0].Content != "" || rows[0].ID != claude[0].MessageID {
		t.Fatalf("unexpected row for failed branch: %+v", rows[0])
	}
}

type gatedResolver struct {
	gate    chan struct{}
	blocked provider.Family
}

func (g *gatedResolver) Resolve(ctx context.Context, _ string, family provider.Family) (string, error) {
	if family == g.blocked {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "sk-" + string(family), nil
}

func TestStreamChatResolvesCredentialsPerBranch(t *testing.T) {
	f := newFixture(t, "")
	creds := &gatedResolver{gate: make(chan struct{}), blocked: provider.FamilyClaude}
	registry := provider.NewStaticRegistry(map[provider.Family]llm.Adapter{
		provider.FamilyGPT:    f.gpt,
		provider.FamilyClaude: f.claude,
	})
	svc := NewService(f.store, creds, registry)

	run, err := svc.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"gpt-4o", "claude-3"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case e := <-run.Events:
			if e.Model == "gpt-4o" && e.Kind == stream.KindComplete {
				done = true
			}
		case <-timeout:
			t.Fatalf("gpt branch waited on the claude credential lookup")
		}
	}
	if calls := f.claude.calls.Load(); calls != 0 {
		t.Fatalf("claude adapter called before its key was resolved")
	}
	close(creds.gate)

	claude := byModel(drain(t, run))["claude-3"]
	if len(claude) == 0 || claude[len(claude)-1].Kind != stream.KindComplete {
		t.Fatalf("claude branch should complete once its key resolves: %+v", claude)
	}
	if key := f.claude.lastRequest(t).APIKey; key != "sk-claude" {
		t.Fatalf("unexpected claude key %q", key)
	}
}

func TestStreamChatUnrecognizedModelEmitsError(t *testing.T) {
	f := newFixture(t, "")
	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"llama-3"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	list := byModel(drain(t, run))["llama-3"]
	assertBranch(t, list, stream.KindError)
	if !strings.Contains(list[1].Error, string(xerrors.CodeUnrecognizedModel)) {
		t.Fatalf("unexpected error %q", list[1].Error)
	}
}

func TestStreamChatDisabledFamily(t *testing.T) {
	f := newFixture(t, "")
	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"grok-4"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	list := byModel(drain(t, run))["grok-4"]
	assertBranch(t, list, stream.KindError)
	if !strings.Contains(list[1].Error, string(xerrors.CodeProviderUnavailable)) {
		t.Fatalf("unexpected error %q", list[1].Error)
	}
}

func TestStreamChatHistoryIsBounded(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	ctx := context.Background()
	for i := 1; i <= 15; i++ {
		role := session.RoleUser
		if i%2 == 0 {
			role = session.RoleAssistant
		}
		err := f.store.AppendMessage(ctx, &session.Message{
			ID:             "m" + string(rune('a'+i)),
			ConversationID: "c1",
			UserID:         "u1",
			Role:           role,
			Content:        "turn " + string(rune('a'+i)),
			Model:          "gpt-4o",
			CreatedAt:      int64(i),
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	run, err := f.service.StreamChat(ctx, "u1", Request{Message: "latest", Models: []string{"gpt-4o"}, ConversationID: "c1"})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	drain(t, run)

	history := f.gpt.lastRequest(t).Messages
	if len(history) != 10 {
		t.Fatalf("expected 10 context messages, got %d", len(history))
	}
	if history[0].Content != "turn "+string(rune('a'+7)) {
		t.Fatalf("oldest kept message should be the 7th seeded one, got %q", history[0].Content)
	}
	if history[9].Content != "latest" || history[9].Role != llm.RoleUser {
		t.Fatalf("newest message should close the context: %+v", history[9])
	}
	if history[1].Role != llm.RoleAssistant {
		t.Fatalf("roles should be carried over: %+v", history[1])
	}
}

func TestStreamChatConversationUpsertIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	ctx := context.Background()

	first, err := f.service.StreamChat(ctx, "u1", Request{Message: "first question", Models: []string{"gpt-4o"}})
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	drain(t, first)
	created, err := f.store.GetConversation(ctx, first.ConversationID, "u1")
	if err != nil {
		t.Fatalf("conversation missing: %v", err)
	}

	second, err := f.service.StreamChat(ctx, "u1", Request{Message: "second question", Models: []string{"gpt-4o"}, ConversationID: first.ConversationID})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	drain(t, second)

	list, err := f.store.ListConversations(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one conversation, got %d", len(list))
	}
	if list[0].CreatedAt != created.CreatedAt {
		t.Fatalf("created_at changed: %d -> %d", created.CreatedAt, list[0].CreatedAt)
	}
	if list[0].UpdatedAt <= created.UpdatedAt || list[0].Title != "second question" {
		t.Fatalf("update not applied: %+v", list[0])
	}
}

func TestStreamChatValidation(t *testing.T) {
	f := newFixture(t, "")
	cases := []struct {
		name   string
		userID string
		req    Request
	}{
		{"empty user", " ", Request{Message: "Hi", Models: []string{"gpt-4o"}}},
		{"empty message", "u1", Request{Message: "  ", Models: []string{"gpt-4o"}}},
		{"no models", "u1", Request{Message: "Hi"}},
		{"blank models", "u1", Request{Message: "Hi", Models: []string{"", " "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.StreamChat(context.Background(), tc.userID, tc.req)
			if !xerrors.HasCode(err, xerrors.CodeInvalidRequest) {
				t.Fatalf("expected INVALID_REQUEST, got %v", err)
			}
		})
	}
	if list, _ := f.store.ListConversations(context.Background(), "u1", 0); len(list) != 0 {
		t.Fatalf("invalid requests must not write")
	}
}

func TestStreamChatDedupesModels(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	run, err := f.service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"gpt-4o", " gpt-4o", "gpt-4o"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}
	drain(t, run)
	if calls := f.gpt.calls.Load(); calls != 1 {
		t.Fatalf("duplicate models should run once, got %d", calls)
	}
}

type failingAppendStore struct {
	*session.MemoryStore
}

func (failingAppendStore) AppendMessage(context.Context, *session.Message) error {
	return errors.New("disk full")
}

func TestStreamChatUserMessageMustPersist(t *testing.T) {
	adapter := &fakeAdapter{reply: []string{"x"}}
	keys := credential.NewMemoryStore()
	keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk"))
	service := NewService(failingAppendStore{session.NewMemoryStore()}, credential.NewResolver(keys, ""),
		provider.NewStaticRegistry(map[provider.Family]llm.Adapter{provider.FamilyGPT: adapter}))

	_, err := service.StreamChat(context.Background(), "u1", Request{Message: "Hi", Models: []string{"gpt-4o"}})
	if !xerrors.HasCode(err, xerrors.CodePersistenceFailure) {
		t.Fatalf("expected PERSISTENCE_FAILURE, got %v", err)
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("no model may be contacted before the user message is stored")
	}
}

func TestStreamChatCancellation(t *testing.T) {
	f := newFixture(t, "")
	f.keys.Set("u1", provider.FamilyGPT, credential.Explicit("sk-gpt"))
	f.gpt.reply = []string{"partial"}
	f.gpt.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run, err := f.service.StreamChat(ctx, "u1", Request{Message: "Hi", Models: []string{"gpt-4o"}})
	if err != nil {
		t.Fatalf("stream chat failed: %v", err)
	}

	for e := range run.Events {
		if e.Kind == stream.KindChunk {
			cancel()
			break
		}
	}
	for _, e := range drain(t, run) {
		if e.Terminal() {
			t.Fatalf("cancelled branch must not emit a terminal event: %+v", e)
		}
	}

	stored, _ := f.store.FindMessages(context.Background(), run.ConversationID, "u1", session.FindOptions{})
	if len(stored) != 1 {
		t.Fatalf("cancelled branch must not be stored, got %d rows", len(stored))
	}
	if _, err := f.store.GetConversation(context.Background(), run.ConversationID, "u1"); err != nil {
		t.Fatalf("conversation should still be recorded: %v", err)
	}
}

func TestTitle(t *testing.T) {
	if got := Title("  Hi  ", 50); got != "  Hi  " {
		t.Fatalf("title should keep the message as sent, got %q", got)
	}
	if got := Title(strings.Repeat("a", 49)+"  tail", 50); got != strings.Repeat("a", 49)+" " {
		t.Fatalf("title should be an exact prefix, got %q", got)
	}
	long := strings.Repeat("é", 60)
	if got := Title(long, 50); len([]rune(got)) != 50 {
		t.Fatalf("title should keep 50 characters, got %d", len([]rune(got)))
	}
}
