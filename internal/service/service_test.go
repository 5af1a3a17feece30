package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgmodels "github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/agent"
	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/config"
	"github.com/castellanbot/castellan/internal/display"
	"github.com/castellanbot/castellan/internal/files"
	"github.com/castellanbot/castellan/internal/limits"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/storage"
	"github.com/castellanbot/castellan/internal/uploads"
)

type fakeKV struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{entries: map[string][]byte{}} }

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeKV) Set(_ context.Context, key string, val []byte, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = val
}

func (f *fakeKV) Delete(_ context.Context, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
}

type fakeQueue struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeQueue) Enqueue(_ context.Context, kind string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func (f *fakeQueue) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []string
	renames []string
}

func (f *fakeMessenger) SendMessage(_ context.Context, _, _ int64, text string, _ display.ParseMode) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

func (f *fakeMessenger) EditMessage(context.Context, int64, int64, string, display.ParseMode) error {
	return nil
}

func (f *fakeMessenger) SendPhoto(context.Context, int64, int64, string, []byte) error { return nil }

func (f *fakeMessenger) SendDocument(context.Context, int64, int64, string, []byte) error {
	return nil
}

func (f *fakeMessenger) SendTyping(context.Context, int64) {}

func (f *fakeMessenger) RenameTopic(_ context.Context, _, _ int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, title)
	return nil
}

func (f *fakeMessenger) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type memUserStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	applyErr error
}

func newMemUserStore() *memUserStore { return &memUserStore{users: map[int64]*models.User{}} }

func (m *memUserStore) FindOrCreate(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[user.ID]; ok {
		cp := *u
		return &cp, nil
	}
	cp := *user
	m.users[user.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memUserStore) Get(_ context.Context, userID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) UpdateProfile(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memUserStore) ApplyBalanceOperation(_ context.Context, op *models.BalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	u, ok := m.users[op.UserID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Balance = op.BalanceAfter
	return nil
}

func (m *memUserStore) ListOperations(context.Context, int64, int) ([]*models.BalanceOperation, error) {
	return nil, nil
}

// GetUser adapts the store to the billing ledger surface.
func (m *memUserStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return m.Get(ctx, userID)
}

type memChatStore struct{}

func (memChatStore) Upsert(context.Context, *models.Chat) error { return nil }
func (memChatStore) Get(context.Context, int64) (*models.Chat, error) {
	return nil, storage.ErrNotFound
}

type memThreadStore struct {
	mu      sync.Mutex
	threads map[models.ThreadKey]*models.Thread
	nextID  int64
	titles  map[int64]string
}

func newMemThreadStore() *memThreadStore {
	return &memThreadStore{threads: map[models.ThreadKey]*models.Thread{}, titles: map[int64]string{}}
}

func (m *memThreadStore) FindOrCreate(_ context.Context, key models.ThreadKey) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[key]; ok {
		cp := *t
		return &cp, nil
	}
	m.nextID++
	t := &models.Thread{
		ID: m.nextID, ChatID: key.ChatID, UserID: key.UserID, TopicID: key.TopicID,
		NeedsTopicNaming: true, CreatedAt: time.Now().UTC(),
	}
	m.threads[key] = t
	cp := *t
	return &cp, nil
}

func (m *memThreadStore) Get(context.Context, int64) (*models.Thread, error) {
	return nil, storage.ErrNotFound
}

func (m *memThreadStore) SetTitle(_ context.Context, threadID int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[threadID] = title
	return nil
}

func (m *memThreadStore) SetFilesContext(context.Context, int64, string) error { return nil }

type memMessageStore struct {
	mu   sync.Mutex
	rows map[int64][]*models.Message
}

func newMemMessageStore() *memMessageStore { return &memMessageStore{rows: map[int64][]*models.Message{}} }

func (m *memMessageStore) Upsert(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[msg.ThreadID] = append(m.rows[msg.ThreadID], msg)
	return nil
}

func (m *memMessageStore) ListByThread(_ context.Context, threadID int64, _ int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Message(nil), m.rows[threadID]...), nil
}

func (m *memMessageStore) DeleteByThread(_ context.Context, threadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, threadID)
	return nil
}

type memFileStore struct{}

func (memFileStore) Upsert(context.Context, *models.UserFile) error { return nil }
func (memFileStore) GetByFileID(context.Context, string) (*models.UserFile, error) {
	return nil, storage.ErrNotFound
}
func (memFileStore) GetByChatFileID(context.Context, string) (*models.UserFile, error) {
	return nil, storage.ErrNotFound
}
func (memFileStore) ListLiveByThread(context.Context, int64, time.Time) ([]*models.UserFile, error) {
	return nil, nil
}

type memToolCallStore struct{}

func (memToolCallStore) Insert(context.Context, *models.ToolCallRecord) error { return nil }
func (memToolCallStore) ListByUser(context.Context, int64, int) ([]*models.ToolCallRecord, error) {
	return nil, nil
}

// fakeRunner simulates a finished turn: it streams text into the display
// and books usage on the tracker.
type fakeRunner struct {
	mu    sync.Mutex
	reqs  []agent.TurnRequest
	text  string
	usage models.TokenUsage
}

func (f *fakeRunner) Run(_ context.Context, req agent.TurnRequest) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	req.Display.AppendText(f.text)
	req.Context.Tracker.AddUsage(f.usage)
	return &agent.TurnResult{Text: f.text, Usage: f.usage, StopReason: "end_turn", Iterations: 1}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type testHarness struct {
	svc       *Service
	users     *memUserStore
	messenger *fakeMessenger
	queue     *fakeQueue
	runner    *fakeRunner
	kv        *fakeKV
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := observability.NewNopLogger()
	users := newMemUserStore()
	kv := newFakeKV()
	queue := &fakeQueue{}
	messenger := &fakeMessenger{}
	runner := &fakeRunner{text: "Hi there!", usage: models.TokenUsage{Input: 100, Output: 50}}

	stores := storage.StoreSet{
		Users:     users,
		Chats:     memChatStore{},
		Threads:   newMemThreadStore(),
		Messages:  newMemMessageStore(),
		Files:     memFileStore{},
		ToolCalls: memToolCallStore{},
	}
	cfg := &config.Config{}
	cfg.Provider.DefaultModel = "claude-sonnet-4-20250514"
	cfg.Pipeline.DebounceMs = 1
	cfg.Pipeline.MaxConcurrentPerUser = 2
	cfg.Pipeline.QueueTimeout = time.Second
	cfg.Pipeline.UploadDrainTimeout = time.Second
	cfg.Billing.MinimumBalanceForRequest = decimal.RequireFromString("-0.25")

	minimum := cfg.Billing.MinimumBalanceForRequest
	svc := New(Deps{
		Config:      cfg,
		Stores:      stores,
		Cache:       kv,
		Queue:       queue,
		Limiter:     limits.NewUserLimiter(cfg.Pipeline.MaxConcurrentPerUser, 100*time.Millisecond),
		Generations: limits.NewGenerationTracker(),
		Uploads:     uploads.NewTracker(),
		Policy:      billing.NewBalancePolicy(kv, users, minimum, logger),
		Balance:     billing.NewBalanceService(users, kv, logger, nil),
		Runner:      runner,
		Files:       files.NewPipeline(nil, nil, kv, memFileStore{}, queue, files.Config{}, logger),
		Messenger:   messenger,
		Logger:      logger,
	})
	return &testHarness{svc: svc, users: users, messenger: messenger, queue: queue, runner: runner, kv: kv}
}

func inbound(chatID, userID, msgID int64, text string) *models.InboundMessage {
	return &models.InboundMessage{
		Chat:       models.Chat{ID: chatID, Kind: models.ChatPrivate},
		UserID:     userID,
		MessageID:  msgID,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestProcessBatch_HappyPath(t *testing.T) {
	h := newHarness(t)
	key := models.ThreadKey{ChatID: 10, UserID: 1}

	// Start with credit so the turn is charged below it.
	h.users.users[1] = &models.User{ID: 1, Balance: decimal.RequireFromString("5.00"), ModelID: "claude-sonnet-4-20250514"}

	err := h.svc.processBatch(context.Background(), key, []*models.InboundMessage{
		inbound(10, 1, 100, "hello"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if h.runner.calls() != 1 {
		t.Fatalf("runner calls = %d", h.runner.calls())
	}
	// User row plus assistant row.
	if got := h.queue.count(storage.KindMessageUpsert); got != 2 {
		t.Errorf("message upserts enqueued = %d, want 2", got)
	}
	if got := h.messenger.lastSent(); !strings.Contains(got, "Hi there") {
		t.Errorf("final reply not delivered: %q", got)
	}

	u, _ := h.users.Get(context.Background(), 1)
	if !u.Balance.LessThan(decimal.RequireFromString("5.00")) {
		t.Errorf("turn was not charged, balance still %s", u.Balance)
	}
}

func TestProcessBatch_ChargeFailureSkipsAssistantPersist(t *testing.T) {
	h := newHarness(t)
	key := models.ThreadKey{ChatID: 10, UserID: 9}
	h.users.users[9] = &models.User{ID: 9, Balance: decimal.RequireFromString("5.00"), ModelID: "claude-sonnet-4-20250514"}
	h.users.applyErr = errors.New("ledger write refused")

	err := h.svc.processBatch(context.Background(), key, []*models.InboundMessage{
		inbound(10, 9, 110, "hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 1 {
		t.Fatalf("runner calls = %d", h.runner.calls())
	}

	// The user row still persists, but the assistant reply must not: an
	// uncharged reply has no place in history.
	if got := h.queue.count(storage.KindMessageUpsert); got != 1 {
		t.Errorf("message upserts enqueued = %d, want 1", got)
	}
	u, _ := h.users.Get(context.Background(), 9)
	if !u.Balance.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("balance changed despite failed charge: %s", u.Balance)
	}
	// The reply itself was already streamed; delivery is unaffected.
	if got := h.messenger.lastSent(); !strings.Contains(got, "Hi there") {
		t.Errorf("final reply not delivered: %q", got)
	}
}

func TestProcessBatch_TardyUploadAppendIsSafe(t *testing.T) {
	h := newHarness(t)
	key := models.ThreadKey{ChatID: 10, UserID: 11}
	h.users.users[11] = &models.User{ID: 11, Balance: decimal.RequireFromString("5.00"), ModelID: "claude-sonnet-4-20250514"}

	msg := inbound(10, 11, 111, "describe the file")

	// An upload that outlived the drain timeout keeps appending while the
	// batch reads attachments. The race detector covers the access.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.svc.attachMu.Lock()
			msg.FileIDs = append(msg.FileIDs, fmt.Sprintf("file-%d", i))
			h.svc.attachMu.Unlock()
		}
	}()

	err := h.svc.processBatch(context.Background(), key, []*models.InboundMessage{msg})
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 1 {
		t.Fatalf("runner calls = %d", h.runner.calls())
	}
}

func TestProcessBatch_BalanceRejected(t *testing.T) {
	h := newHarness(t)
	key := models.ThreadKey{ChatID: 10, UserID: 2}
	h.users.users[2] = &models.User{ID: 2, Balance: decimal.RequireFromString("-0.30")}

	err := h.svc.processBatch(context.Background(), key, []*models.InboundMessage{
		inbound(10, 2, 101, "hello"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 0 {
		t.Error("turn must not run below the minimum balance")
	}
	if got := h.messenger.lastSent(); !strings.Contains(got, "balance") {
		t.Errorf("rejection notice missing: %q", got)
	}
}

func TestProcessBatch_BalanceAtMinimumRejected(t *testing.T) {
	h := newHarness(t)
	key := models.ThreadKey{ChatID: 10, UserID: 3}
	// Exactly at the minimum: the comparison is strict.
	h.users.users[3] = &models.User{ID: 3, Balance: decimal.RequireFromString("-0.25")}

	if err := h.svc.processBatch(context.Background(), key, []*models.InboundMessage{
		inbound(10, 3, 102, "hello"),
	}); err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 0 {
		t.Error("balance exactly at the minimum must be rejected")
	}
}

func TestProcessBatch_LimitTimeoutNotifies(t *testing.T) {
	h := newHarness(t)
	h.users.users[4] = &models.User{ID: 4, Balance: decimal.RequireFromString("1.00")}

	// Exhaust both slots so the batch times out in the queue.
	ctx := context.Background()
	_, release1, err := h.svc.limiter.Acquire(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer release1()
	_, release2, err := h.svc.limiter.Acquire(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer release2()

	key := models.ThreadKey{ChatID: 10, UserID: 4}
	if err := h.svc.processBatch(ctx, key, []*models.InboundMessage{
		inbound(10, 4, 103, "hello"),
	}); err != nil {
		t.Fatal(err)
	}
	if h.runner.calls() != 0 {
		t.Error("turn must not run when no slot frees up")
	}
	if got := h.messenger.lastSent(); !strings.Contains(got, "requests running") {
		t.Errorf("limit notice missing: %q", got)
	}
}

func TestHandleUpdate_CommandsBypassBatching(t *testing.T) {
	h := newHarness(t)
	h.users.users[5] = &models.User{ID: 5, Balance: decimal.RequireFromString("2.50")}

	h.svc.HandleUpdate(context.Background(), &tgmodels.Update{Message: &tgmodels.Message{
		ID:   7,
		From: &tgmodels.User{ID: 5},
		Chat: tgmodels.Chat{ID: 10, Type: "private"},
		Text: "/balance",
	}})
	if got := h.messenger.lastSent(); !strings.Contains(got, "2") {
		t.Errorf("balance reply missing: %q", got)
	}
	if h.runner.calls() != 0 {
		t.Error("commands must not start turns")
	}
}

func TestHandleUpdate_CancelWithNothingRunning(t *testing.T) {
	h := newHarness(t)
	h.svc.HandleUpdate(context.Background(), &tgmodels.Update{Message: &tgmodels.Message{
		ID:   8,
		From: &tgmodels.User{ID: 6},
		Chat: tgmodels.Chat{ID: 10, Type: "private"},
		Text: "/cancel",
	}})
	if got := h.messenger.lastSent(); !strings.Contains(got, "Nothing is running") {
		t.Errorf("cancel reply = %q", got)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in, cmd, args string
	}{
		{"/start", "/start", ""},
		{"/model claude-3-haiku-20240307", "/model", "claude-3-haiku-20240307"},
		{"/balance@castellan_bot", "/balance", ""},
		{"/topup@castellan_bot 42 1.50", "/topup", "42 1.50"},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.cmd || args != tt.args {
			t.Errorf("splitCommand(%q) = %q, %q", tt.in, cmd, args)
		}
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Trip Planning"`, "Trip Planning"},
		{"Title\nwith extra lines", "Title"},
		{"  padded  ", "padded"},
		{strings.Repeat("x", 100), strings.Repeat("x", titleMaxLen)},
	}
	for _, tt := range tests {
		if got := sanitizeTitle(tt.in); got != tt.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractMedia(t *testing.T) {
	msg := &tgmodels.Message{
		Photo: []tgmodels.PhotoSize{
			{FileID: "small"}, {FileID: "large"},
		},
		Document: &tgmodels.Document{FileID: "doc-1", FileName: "report.pdf", MimeType: "application/pdf"},
	}
	items := extractMedia(msg)
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if items[0].chatFileID != "large" {
		t.Errorf("photo should use the largest size, got %s", items[0].chatFileID)
	}
	if items[1].filename != "report.pdf" || items[1].mime != "application/pdf" {
		t.Errorf("document item = %+v", items[1])
	}
}
