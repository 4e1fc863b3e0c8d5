package ripple

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeBackend is an in-process stand-in for the row API. It records write
// contents in arrival order and can be told to reject upcoming writes.
type fakeBackend struct {
	mu          sync.Mutex
	failNext    int
	failAll     bool
	gate        chan struct{}
	received    []string
	authCalls   int
	friendCalls int

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/api/health" {
		fmt.Fprint(w, `{"ok":true}`)
		return
	}
	if r.URL.Path == "/api/auth/user" {
		b.mu.Lock()
		b.authCalls++
		b.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"data":{"id":"u-me","username":"me","displayName":"Me"}}`)
		return
	}
	if r.URL.Path == "/api/friends" {
		b.mu.Lock()
		b.friendCalls++
		b.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"data":[{"id":"u-amy","username":"amy","displayName":"Amy"},{"id":"u-bob","username":"bob","displayName":"Bob"}]}`)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/rows/") || r.Method != http.MethodPost {
		fmt.Fprint(w, `{"ok":false,"error":{"code":"NOT_FOUND","message":"no route"}}`)
		return
	}

	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll || b.failNext > 0 {
		if b.failNext > 0 {
			b.failNext--
		}
		fmt.Fprint(w, `{"ok":false,"error":{"code":"INTERNAL","message":"simulated failure"}}`)
		return
	}
	b.received = append(b.received, body["content"])

	table := strings.TrimPrefix(r.URL.Path, "/api/rows/")
	row := map[string]string{
		"id":      fmt.Sprintf("%s-%d", table, len(b.received)),
		"content": body["content"],
	}
	if table == TableMessages {
		row["senderId"] = "u-me"
		row["recipientId"] = body["recipientId"]
	} else {
		row["userId"] = "u-me"
	}
	resp, _ := json.Marshal(map[string]any{"ok": true, "data": row})
	w.Write(resp)
}

func (b *fakeBackend) contents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.received...)
}

func (b *fakeBackend) setFailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

func (b *fakeBackend) setFailAll(fail bool) {
	b.mu.Lock()
	b.failAll = fail
	b.mu.Unlock()
}

func (b *fakeBackend) readCalls() (auth, friends int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authCalls, b.friendCalls
}

func newTestManager(t *testing.T, backend *fakeBackend) (*OfflineManager, *MemoryStorage) {
	t.Helper()
	store := NewMemoryStorage()
	client := NewClient("test-token", WithBaseURL(backend.srv.URL))
	mgr := NewOfflineManager(store, client, &OfflineOptions{
		RecheckInterval: time.Hour,
		Probe:           func(ctx context.Context) bool { return true },
	})
	t.Cleanup(mgr.Close)
	return mgr, store
}

// syncCompletions subscribes to the sync.complete event and returns a
// channel receiving one value per emission.
func syncCompletions(m *OfflineManager) <-chan SyncSummary {
	ch := make(chan SyncSummary, 8)
	m.On(EventSyncComplete, func(event string, payload any) {
		ch <- payload.(SyncSummary)
	})
	return ch
}

func waitSync(t *testing.T, ch <-chan SyncSummary) SyncSummary {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync.complete")
		return SyncSummary{}
	}
}

// waitForPass blocks until an in-flight background pass has touched every
// pending item and released the drain flag.
func waitForPass(t *testing.T, mgr *OfflineManager) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		mgr.mu.Lock()
		draining := mgr.draining
		mgr.mu.Unlock()
		if !draining && len(mgr.storage.AllByStatus(StatusPending)) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for drain pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ============================================================================
// Write routing
// ============================================================================

func TestCreatePostDirectWhenOnline(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	outcome, err := mgr.CreatePost(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if outcome.Queued || outcome.Post == nil {
		t.Fatalf("expected direct outcome, got %+v", outcome)
	}
	if mgr.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", mgr.PendingCount())
	}
	if got := backend.contents(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("backend received %v", got)
	}
}

func TestCreatePostQueuedWhenOffline(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)
	mgr.SetOnline(false)

	outcome, err := mgr.CreatePost(context.Background(), "queued post", "https://cdn/x.jpg")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if !outcome.Queued || outcome.Item == nil {
		t.Fatalf("expected queued outcome, got %+v", outcome)
	}
	if !strings.HasPrefix(outcome.Item.ID, "offline_") {
		t.Fatalf("queued id = %q, want offline_ prefix", outcome.Item.ID)
	}
	if outcome.Item.Status != StatusPending {
		t.Fatalf("status = %q, want pending", outcome.Item.Status)
	}
	if mgr.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", mgr.PendingCount())
	}
	if stored := store.Get(outcome.Item.ID); stored == nil || stored.AttachmentURL != "https://cdn/x.jpg" {
		t.Fatalf("stored item = %+v", stored)
	}
	if len(backend.contents()) != 0 {
		t.Fatal("offline write reached the backend")
	}
}

func TestSendMessageQueuedWhenOffline(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)
	mgr.SetOnline(false)

	outcome, err := mgr.SendMessage(context.Background(), "u-2", "hi there", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !outcome.Queued || outcome.Item.Collection != CollectionMessages {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Item.RecipientID != "u-2" {
		t.Fatalf("recipient = %q, want u-2", outcome.Item.RecipientID)
	}
}

func TestOfflineModeQueuesWhileOnline(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	mgr.SetOfflineMode(true)
	if !mgr.OfflineMode() {
		t.Fatal("offline mode not persisted")
	}

	outcome, err := mgr.CreatePost(context.Background(), "held back", "")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if !outcome.Queued {
		t.Fatal("expected queue routing while offline mode is on")
	}
	if len(backend.contents()) != 0 {
		t.Fatal("offline-mode write reached the backend")
	}

	mgr.SetOfflineMode(false)
	outcome, err = mgr.CreatePost(context.Background(), "direct again", "")
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if outcome.Queued {
		t.Fatal("expected direct routing after offline mode off")
	}
}

func TestDirectFailureIsReturnedNotQueued(t *testing.T) {
	backend := newFakeBackend(t)
	backend.setFailAll(true)
	mgr, _ := newTestManager(t, backend)

	_, err := mgr.CreatePost(context.Background(), "rejected", "")
	if err == nil {
		t.Fatal("expected error from direct-path rejection")
	}
	if mgr.PendingCount() != 0 {
		t.Fatal("rejected direct write must not be queued")
	}
}

// ============================================================================
// Connectivity monitor
// ============================================================================

func TestSetOnlineEdgeTriggered(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	var mu sync.Mutex
	onlines, offlines := 0, 0
	remove := mgr.Subscribe(
		func() { mu.Lock(); onlines++; mu.Unlock() },
		func() { mu.Lock(); offlines++; mu.Unlock() },
	)

	mgr.SetOnline(true) // already online, no edge
	mgr.SetOnline(false)
	mgr.SetOnline(false) // already offline, no edge
	mgr.SetOnline(true)

	mu.Lock()
	gotOn, gotOff := onlines, offlines
	mu.Unlock()
	if gotOn != 1 || gotOff != 1 {
		t.Fatalf("onlines=%d offlines=%d, want 1/1", gotOn, gotOff)
	}

	remove()
	mgr.SetOnline(false)
	mu.Lock()
	gotOff = offlines
	mu.Unlock()
	if gotOff != 1 {
		t.Fatal("listener fired after removal")
	}
}

func TestSubscribeRemovesOnlyItsPair(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	var mu sync.Mutex
	var a, b int
	removeA := mgr.Subscribe(nil, func() { mu.Lock(); a++; mu.Unlock() })
	mgr.Subscribe(nil, func() { mu.Lock(); b++; mu.Unlock() })

	removeA()
	mgr.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	if a != 0 || b != 1 {
		t.Fatalf("a=%d b=%d, want 0/1", a, b)
	}
}

// ============================================================================
// Sync reconciler
// ============================================================================

func TestReconnectDrainsQueue(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)
	done := syncCompletions(mgr)

	mgr.SetOnline(false)
	mgr.CreatePost(context.Background(), "first", "")
	mgr.SendMessage(context.Background(), "u-2", "second", "")

	mgr.SetOnline(true)
	summary := waitSync(t, done)

	if summary.Attempted != 2 || summary.Synced != 2 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if mgr.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", mgr.PendingCount())
	}
	if got := backend.contents(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("replay order = %v", got)
	}
	for _, item := range store.AllByStatus(StatusSynced) {
		if item.Error != "" {
			t.Fatalf("synced item kept error %q", item.Error)
		}
	}
}

func TestDrainFailureKeepsItemForRetry(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)
	done := syncCompletions(mgr)

	mgr.SetOnline(false)
	first, _ := mgr.CreatePost(context.Background(), "will fail", "")
	mgr.CreatePost(context.Background(), "will succeed", "")

	backend.setFailNext(1)
	mgr.SetOnline(true)

	waitForPass(t, mgr)

	// The pass must not have completed: one item failed, pending stayed
	// nonzero.
	select {
	case <-done:
		t.Fatal("sync.complete fired despite a failed item")
	default:
	}

	failed := store.Get(first.Item.ID)
	if failed.Status != StatusFailed || failed.Error == "" {
		t.Fatalf("failed item = %+v", failed)
	}
	if mgr.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", mgr.PendingCount())
	}

	// Retry pass picks the failed item back up and completes.
	summary := mgr.Drain(context.Background())
	if summary.Attempted != 1 || summary.Synced != 1 {
		t.Fatalf("retry summary = %+v", summary)
	}
	waitSync(t, done)
	if mgr.PendingCount() != 0 {
		t.Fatalf("PendingCount after retry = %d, want 0", mgr.PendingCount())
	}
}

func TestDrainContinuesPastFailures(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	mgr.SetOnline(false)
	for i := 0; i < 3; i++ {
		mgr.CreatePost(context.Background(), fmt.Sprintf("post %d", i), "")
	}
	mgr.mu.Lock()
	mgr.online = true
	mgr.mu.Unlock()

	backend.setFailNext(1)
	summary := mgr.Drain(context.Background())
	if summary.Attempted != 3 || summary.Synced != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestDrainSingleFlight(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.gate = gate
	backend.mu.Unlock()

	mgr.SetOnline(false)
	mgr.CreatePost(context.Background(), "slow", "")
	mgr.mu.Lock()
	mgr.online = true
	mgr.mu.Unlock()

	firstDone := make(chan SyncSummary, 1)
	go func() { firstDone <- mgr.Drain(context.Background()) }()

	// Wait until the first pass is inside the remote call.
	deadline := time.After(2 * time.Second)
	for {
		mgr.mu.Lock()
		draining := mgr.draining
		mgr.mu.Unlock()
		if draining {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first drain never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if second := mgr.Drain(context.Background()); second.Attempted != 0 {
		t.Fatalf("overlapping drain ran: %+v", second)
	}

	close(gate)
	first := <-firstDone
	if first.Attempted != 1 || first.Synced != 1 {
		t.Fatalf("first drain summary = %+v", first)
	}
}

func TestDrainWhileOfflineIsNoop(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	mgr.SetOnline(false)
	mgr.CreatePost(context.Background(), "stuck", "")

	summary := mgr.Drain(context.Background())
	if summary.Attempted != 0 {
		t.Fatalf("offline drain attempted work: %+v", summary)
	}
	if len(backend.contents()) != 0 {
		t.Fatal("offline drain reached the backend")
	}
}

func TestSyncedItemsRetainedUntilCleared(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)
	done := syncCompletions(mgr)

	mgr.SetOnline(false)
	mgr.CreatePost(context.Background(), "keep me", "")
	mgr.SetOnline(true)
	waitSync(t, done)

	if n := len(mgr.Synced()); n != 1 {
		t.Fatalf("synced = %d, want 1", n)
	}

	// Another pass must not re-send already synced items.
	calls := len(backend.contents())
	mgr.Drain(context.Background())
	if len(backend.contents()) != calls {
		t.Fatal("synced item was replayed again")
	}

	mgr.ClearSynced()
	if n := len(mgr.Synced()); n != 0 {
		t.Fatalf("synced after clear = %d, want 0", n)
	}
	if mgr.PendingCount() != 0 {
		t.Fatal("clear affected pending count")
	}
}

func TestSyncCompleteFiresOncePerPass(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)
	done := syncCompletions(mgr)

	mgr.SetOnline(false)
	mgr.CreatePost(context.Background(), "one", "")
	mgr.SetOnline(true)
	waitSync(t, done)

	// An empty follow-up pass has nothing to complete.
	mgr.Drain(context.Background())
	select {
	case <-done:
		t.Fatal("sync.complete fired for an empty pass")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInitDrainsLeftovers(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)
	done := syncCompletions(mgr)

	// Simulate an item left behind by a previous run.
	store.Put(&PendingItem{
		ID:         "offline_1_leftover",
		Collection: CollectionPosts,
		Content:    "from last session",
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	})

	mgr.Init(context.Background())
	waitSync(t, done)

	if got := backend.contents(); len(got) != 1 || got[0] != "from last session" {
		t.Fatalf("backend received %v", got)
	}
}

func TestRecheckBackstopDrains(t *testing.T) {
	backend := newFakeBackend(t)
	store := NewMemoryStorage()
	client := NewClient("test-token", WithBaseURL(backend.srv.URL))
	mgr := NewOfflineManager(store, client, &OfflineOptions{
		RecheckInterval: 20 * time.Millisecond,
		Probe:           func(ctx context.Context) bool { return true },
	})
	defer mgr.Close()
	done := syncCompletions(mgr)

	mgr.Init(context.Background())

	// Slip an item into storage without any connectivity edge. Only the
	// periodic recheck can find it.
	store.Put(&PendingItem{
		ID:         "offline_1_slipped",
		Collection: CollectionPosts,
		Content:    "found by backstop",
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	})

	waitSync(t, done)
	if got := backend.contents(); len(got) != 1 || got[0] != "found by backstop" {
		t.Fatalf("backend received %v", got)
	}
}

// ============================================================================
// Local read cache
// ============================================================================

func TestCurrentUserCachedForOfflineReads(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)

	user, err := mgr.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user == nil || user.ID != "u-me" {
		t.Fatalf("user = %+v, want u-me", user)
	}
	if cached := store.Profile(); cached == nil || cached.ID != "u-me" {
		t.Fatalf("remote read did not refresh the cache: %+v", cached)
	}

	mgr.SetOnline(false)
	user, err = mgr.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser offline: %v", err)
	}
	if user == nil || user.ID != "u-me" || user.DisplayName != "Me" {
		t.Fatalf("offline read = %+v, want cached profile", user)
	}
	if auth, _ := backend.readCalls(); auth != 1 {
		t.Fatalf("auth calls = %d, want 1 (offline read must not hit the network)", auth)
	}
}

func TestCurrentUserOfflineWithEmptyCache(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)
	mgr.SetOnline(false)

	user, err := mgr.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user != nil {
		t.Fatalf("user = %+v, want nil with an empty cache", user)
	}
	if auth, _ := backend.readCalls(); auth != 0 {
		t.Fatalf("auth calls = %d, want 0", auth)
	}
}

func TestFriendListCachedForOfflineReads(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, store := newTestManager(t, backend)

	friends, err := mgr.FriendList(context.Background())
	if err != nil {
		t.Fatalf("FriendList: %v", err)
	}
	if len(friends) != 2 || friends[0].ID != "u-amy" || friends[1].ID != "u-bob" {
		t.Fatalf("friends = %+v", friends)
	}
	if cached := store.Friends(); len(cached) != 2 {
		t.Fatalf("remote read did not refresh the cache: %+v", cached)
	}

	mgr.SetOnline(false)
	friends, err = mgr.FriendList(context.Background())
	if err != nil {
		t.Fatalf("FriendList offline: %v", err)
	}
	if len(friends) != 2 || friends[0].Name() != "Amy" || friends[1].Name() != "Bob" {
		t.Fatalf("offline read = %+v, want cached list", friends)
	}
	if _, fc := backend.readCalls(); fc != 1 {
		t.Fatalf("friends calls = %d, want 1 (offline read must not hit the network)", fc)
	}
}

func TestManagerSharesClient(t *testing.T) {
	backend := newFakeBackend(t)
	client := NewClient("test-token", WithBaseURL(backend.srv.URL))
	mgr := NewOfflineManager(NewMemoryStorage(), client, nil)
	defer mgr.Close()

	if mgr.Client() != client {
		t.Fatal("Client() must return the client the manager was built with")
	}
}

func TestOfflineIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := newOfflineID()
		if !strings.HasPrefix(id, "offline_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestEmitterSwallowsHandlerPanic(t *testing.T) {
	backend := newFakeBackend(t)
	mgr, _ := newTestManager(t, backend)

	mgr.On(EventItemQueued, func(event string, payload any) { panic("listener bug") })
	delivered := false
	mgr.On(EventItemQueued, func(event string, payload any) { delivered = true })

	mgr.SetOnline(false)
	if _, err := mgr.CreatePost(context.Background(), "still queued", ""); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if !delivered {
		t.Fatal("panicking listener blocked later listeners")
	}
	if mgr.PendingCount() != 1 {
		t.Fatal("panicking listener broke the queue")
	}
}
