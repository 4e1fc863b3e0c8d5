package ripple

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Events emitted by the OfflineManager.
const (
	EventNetworkOnline  = "network.online"
	EventNetworkOffline = "network.offline"
	EventItemQueued     = "item.queued"
	EventItemSynced     = "item.synced"
	EventItemFailed     = "item.failed"
	EventSyncComplete   = "sync.complete"
)

// SettingOfflineMode is the persisted preference that routes writes through
// the queue even while online.
const SettingOfflineMode = "offline_mode"

// OfflineEventHandler receives offline-manager events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// netListeners is one registered onOnline/onOffline pair. Each Subscribe
// call adds exactly one pair; its remove func removes exactly that pair.
type netListeners struct {
	onOnline  func()
	onOffline func()
}

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	// RecheckInterval is the backstop: while online, the manager re-checks
	// the pending count at this interval and drains if anything is waiting.
	RecheckInterval time.Duration
	// Probe determines the initial online state at Init. Defaults to a
	// backend health check.
	Probe func(ctx context.Context) bool
	// Logger defaults to the client's logger.
	Logger *zap.Logger
}

// WriteOutcome is the result of an offline-aware write. Exactly one of Item
// (queued path) or Post/Message (direct path) is set.
type WriteOutcome struct {
	Queued  bool
	Item    *PendingItem
	Post    *Post
	Message *Message
}

// OfflineManager routes writes between the remote service and the local
// queue, watches connectivity, and replays queued items on reconnect.
//
// Construct one per process with the storage and client it should use;
// there is no package-level instance.
type OfflineManager struct {
	offlineEmitter
	storage Storage
	client  *Client
	logger  *zap.Logger

	recheckInterval time.Duration
	probe           func(ctx context.Context) bool

	mu           sync.Mutex
	online       bool
	draining     bool
	nextListener int
	netListeners map[int]netListeners
	stopCh       chan struct{}
	stopped      bool
}

// NewOfflineManager creates an offline manager. Call Init to start it.
func NewOfflineManager(storage Storage, client *Client, opts *OfflineOptions) *OfflineManager {
	m := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		storage:        storage,
		client:         client,
		logger:         client.logger,
		online:         true,
		netListeners:   make(map[int]netListeners),
		stopCh:         make(chan struct{}),
	}
	m.recheckInterval = 30 * time.Second
	m.probe = func(ctx context.Context) bool { return client.Health(ctx) == nil }
	if opts != nil {
		if opts.RecheckInterval > 0 {
			m.recheckInterval = opts.RecheckInterval
		}
		if opts.Probe != nil {
			m.probe = opts.Probe
		}
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
	}
	return m
}

// Client returns the API client the manager routes direct writes through.
func (m *OfflineManager) Client() *Client {
	return m.client
}

// Init determines the initial online state, starts the periodic backstop,
// and drains immediately if unsynced items were left over from a previous
// run.
func (m *OfflineManager) Init(ctx context.Context) {
	online := m.probe(ctx)
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	go m.recheckLoop()

	if online && m.PendingCount() > 0 {
		go m.Drain(context.Background())
	}
}

// Close stops background tasks and removes all listeners. In-flight remote
// writes are not aborted; only future event delivery stops.
func (m *OfflineManager) Close() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	m.netListeners = make(map[int]netListeners)
	m.mu.Unlock()
	m.removeAll()
}

// ── Connectivity monitor ──────────────────────────────────

// Online reports the current connectivity state.
func (m *OfflineManager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers one onOnline/onOffline listener pair. Either callback
// may be nil. The returned func removes exactly that pair.
func (m *OfflineManager) Subscribe(onOnline, onOffline func()) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.netListeners[id] = netListeners{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.netListeners, id)
		m.mu.Unlock()
	}
}

// SetOnline records a connectivity transition. It is edge-triggered: setting
// the current state again is a no-op. The Offline→Online edge starts a
// drain.
func (m *OfflineManager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	pairs := make([]netListeners, 0, len(m.netListeners))
	for _, p := range m.netListeners {
		pairs = append(pairs, p)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
		m.emit(EventNetworkOnline, nil)
		for _, p := range pairs {
			if p.onOnline != nil {
				p.onOnline()
			}
		}
		go m.Drain(context.Background())
	} else {
		m.logger.Info("connectivity lost")
		m.emit(EventNetworkOffline, nil)
		for _, p := range pairs {
			if p.onOffline != nil {
				p.onOffline()
			}
		}
	}
}

func (m *OfflineManager) recheckLoop() {
	ticker := time.NewTicker(m.recheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.Online() && m.PendingCount() > 0 {
				m.Drain(context.Background())
			}
		}
	}
}

// ── Offline mode preference ───────────────────────────────

// OfflineMode reports whether the standing offline-mode preference is on.
func (m *OfflineManager) OfflineMode() bool {
	return m.storage.Setting(SettingOfflineMode) == "true"
}

// SetOfflineMode persists the offline-mode preference. While enabled, every
// write is queued locally even when online.
func (m *OfflineManager) SetOfflineMode(enabled bool) {
	if enabled {
		m.storage.SetSetting(SettingOfflineMode, "true")
	} else {
		m.storage.SetSetting(SettingOfflineMode, "false")
	}
}

// ── Offline write buffer ──────────────────────────────────

// newOfflineID generates a locally unique id for a queued item.
func newOfflineID() string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("offline_%d_%s", time.Now().UnixMilli(), suffix)
}

func (m *OfflineManager) shouldQueue() bool {
	return !m.Online() || m.OfflineMode()
}

// enqueue stores a write in the local store with status pending.
func (m *OfflineManager) enqueue(collection, content, attachmentURL, recipientID string) *PendingItem {
	item := &PendingItem{
		ID:            newOfflineID(),
		Collection:    collection,
		Content:       content,
		AttachmentURL: attachmentURL,
		RecipientID:   recipientID,
		Status:        StatusPending,
		CreatedAt:     nowUTC(),
	}
	m.storage.Put(item)
	m.logger.Debug("queued offline write",
		zap.String("id", item.ID),
		zap.String("collection", collection))
	m.emit(EventItemQueued, item)
	return item
}

// CreatePost publishes a post, queueing it locally when offline or when
// offline mode is enabled. A direct-path remote rejection is returned to the
// caller as an error; it is never silently queued.
func (m *OfflineManager) CreatePost(ctx context.Context, content, imageURL string) (*WriteOutcome, error) {
	if m.shouldQueue() {
		return &WriteOutcome{Queued: true, Item: m.enqueue(CollectionPosts, content, imageURL, "")}, nil
	}
	post, err := m.client.Posts.Create(ctx, content, imageURL)
	if err != nil {
		return nil, err
	}
	return &WriteOutcome{Post: post}, nil
}

// SendMessage sends a direct message, queueing it locally when offline or
// when offline mode is enabled.
func (m *OfflineManager) SendMessage(ctx context.Context, recipientID, content, attachmentURL string) (*WriteOutcome, error) {
	if m.shouldQueue() {
		return &WriteOutcome{Queued: true, Item: m.enqueue(CollectionMessages, content, attachmentURL, recipientID)}, nil
	}
	msg, err := m.client.Messages.Send(ctx, recipientID, content, attachmentURL)
	if err != nil {
		return nil, err
	}
	return &WriteOutcome{Message: msg}, nil
}

// PendingCount returns the number of items awaiting a successful sync.
// Failed items count toward it: they are retried on the next pass.
func (m *OfflineManager) PendingCount() int {
	return m.storage.PendingCount()
}

// Pending returns the unsynced items in insertion order.
func (m *OfflineManager) Pending() []*PendingItem {
	return m.storage.AllUnsynced()
}

// Synced returns items that synced and have not been cleared yet, so the
// caller can surface sync history.
func (m *OfflineManager) Synced() []*PendingItem {
	return m.storage.AllByStatus(StatusSynced)
}

// ClearSynced removes items that already synced. Synced items are retained
// until this is called.
func (m *OfflineManager) ClearSynced() {
	for _, item := range m.storage.AllByStatus(StatusSynced) {
		m.storage.Remove(item.ID)
	}
}

// ── Local read cache ──────────────────────────────────────

// CurrentUser returns the authenticated user. Successful remote reads
// refresh the local cache; while offline the cached profile is served
// instead, or nil when nothing was cached yet.
func (m *OfflineManager) CurrentUser(ctx context.Context) (*User, error) {
	if !m.Online() {
		return m.storage.Profile(), nil
	}
	u, err := m.client.Auth.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if u != nil {
		m.storage.PutProfile(u)
	}
	return u, nil
}

// FriendList returns the friends list. Successful remote reads refresh the
// local cache; while offline the cached list is served instead, which may
// be empty when nothing was cached yet.
func (m *OfflineManager) FriendList(ctx context.Context) ([]User, error) {
	if !m.Online() {
		return m.storage.Friends(), nil
	}
	friends, err := m.client.Friends.List(ctx)
	if err != nil {
		return nil, err
	}
	m.storage.PutFriends(friends)
	return friends, nil
}

// ── Sync reconciler ───────────────────────────────────────

// SyncSummary reports the outcome of one reconciliation pass.
type SyncSummary struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Drain replays every pending and failed item against the remote service,
// strictly one at a time in insertion order. A failure marks the item failed
// and the pass moves on; it never aborts the batch. Single-flight: if a pass
// is already running, Drain returns immediately.
//
// When the pass takes the pending count from nonzero to zero, the
// sync.complete event fires exactly once.
func (m *OfflineManager) Drain(ctx context.Context) SyncSummary {
	m.mu.Lock()
	if m.draining || !m.online {
		m.mu.Unlock()
		return SyncSummary{}
	}
	m.draining = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	before := m.storage.PendingCount()
	items := m.storage.AllUnsynced()

	var summary SyncSummary
	for _, item := range items {
		summary.Attempted++
		if err := m.replay(ctx, item); err != nil {
			summary.Failed++
			item.Status = StatusFailed
			item.Error = err.Error()
			m.storage.Put(item)
			m.logger.Warn("sync: item failed",
				zap.String("id", item.ID),
				zap.String("collection", item.Collection),
				zap.Error(err))
			m.emit(EventItemFailed, item)
			continue
		}
		summary.Synced++
		item.Status = StatusSynced
		item.Error = ""
		m.storage.Put(item)
		m.logger.Debug("sync: item synced", zap.String("id", item.ID))
		m.emit(EventItemSynced, item)
	}

	if before > 0 && m.storage.PendingCount() == 0 {
		m.logger.Info("sync complete", zap.Int("synced", summary.Synced))
		m.emit(EventSyncComplete, summary)
	}
	return summary
}

// replay issues the single remote write for one queued item.
func (m *OfflineManager) replay(ctx context.Context, item *PendingItem) error {
	switch item.Collection {
	case CollectionPosts:
		_, err := m.client.Posts.Create(ctx, item.Content, item.AttachmentURL)
		return err
	case CollectionMessages:
		_, err := m.client.Messages.Send(ctx, item.RecipientID, item.Content, item.AttachmentURL)
		return err
	default:
		return fmt.Errorf("unknown collection %q", item.Collection)
	}
}
