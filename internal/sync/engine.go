// Package sync replicates the local store to the remote document store:
// Push drains the outbox, Pull refreshes local collections from the remote.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/cache"
	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/outbox"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/store"
)

type Config struct {
	Naming    Naming
	Policy    outbox.Policy
	PullLimit int
}

func DefaultConfig() Config {
	return Config{Policy: outbox.DefaultPolicy(), PullLimit: 5000}
}

// Engine owns all sync state for one local store. Push and Pull each run at
// most once at a time; a call made while one is running returns at once.
type Engine struct {
	store  store.Store
	remote remote.DocumentStore
	queue  *outbox.Queue
	locker cache.Locker
	log    *slog.Logger
	cfg    Config
	now    func() time.Time

	mu       gosync.Mutex
	online   bool
	pushing  bool
	pulling  bool
	lastPush *PushResult
	lastPull *PullResult
	kick     chan struct{}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocker(l cache.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// New builds an engine. A nil remote leaves sync unconfigured: Push and
// Pull become no-ops. The engine starts online.
func New(s store.Store, rs remote.DocumentStore, q *outbox.Queue, cfg Config, log *slog.Logger, opts ...Option) *Engine {
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultConfig().PullLimit
	}
	e := &Engine{
		store:  s,
		remote: rs,
		queue:  q,
		locker: cache.NoopLocker{},
		log:    log.With(slog.String("component", "sync")),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		online: true,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) configured() bool {
	return e.remote != nil && e.cfg.Naming.DatabaseID != ""
}

// SetOnline records connectivity. Going online wakes Run for a push and a
// pull.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	if online && !was {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Skip reasons reported when a run does nothing.
const (
	SkipBusy         = "busy"
	SkipOffline      = "offline"
	SkipUnconfigured = "unconfigured"
	SkipLocked       = "locked"
)

type PushResult struct {
	StartedAt    time.Time `json:"startedAt"`
	Skipped      string    `json:"skipped,omitempty"`
	Recovered    int       `json:"recovered"`
	Attempted    int       `json:"attempted"`
	Pushed       int       `json:"pushed"`
	Deferred     int       `json:"deferred"`
	Failed       int       `json:"failed"`
	DeadLettered int       `json:"deadLettered"`
}

// Push drains due queue entries in FIFO order. Unmet preconditions make it
// a no-op; per-entry failures are logged and left queued with backoff.
// Only a cancelled context or a local store failure is returned.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	res := PushResult{StartedAt: e.now()}
	e.mu.Lock()
	switch {
	case e.pushing:
		res.Skipped = SkipBusy
	case !e.online:
		res.Skipped = SkipOffline
	case !e.configured():
		res.Skipped = SkipUnconfigured
	default:
		e.pushing = true
	}
	e.mu.Unlock()
	if res.Skipped != "" {
		e.log.Debug("push skipped", slog.String("reason", res.Skipped))
		return res, nil
	}
	defer func() {
		e.mu.Lock()
		e.pushing = false
		e.lastPush = &res
		e.mu.Unlock()
	}()

	lease, ok, err := e.locker.TryLock(ctx, cache.PushLockKey, cache.PushLockTTL)
	if err != nil {
		e.log.Warn("push lock unavailable", slog.String("error", err.Error()))
		res.Skipped = SkipLocked
		return res, nil
	}
	if !ok {
		res.Skipped = SkipLocked
		return res, nil
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			e.log.Warn("release push lock", slog.String("error", err.Error()))
		}
	}()

	var due []outbox.Entry
	err = e.store.Update(ctx, []domain.Collection{domain.CollectionSyncQueue}, func(tx store.Tx) error {
		n, err := e.queue.ResetInFlight(tx)
		if err != nil {
			return err
		}
		res.Recovered = n
		due, err = e.queue.Due(tx, 0)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("load sync queue: %w", err)
	}

	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.pushEntry(ctx, entry, &res); err != nil {
			return res, err
		}
	}
	if res.Attempted > 0 || res.Deferred > 0 {
		e.log.Info("push finished",
			slog.Int("pushed", res.Pushed),
			slog.Int("deferred", res.Deferred),
			slog.Int("failed", res.Failed),
			slog.Int("dead", res.DeadLettered),
		)
	}
	return res, nil
}

// errNoRemoteID marks an UPDATE whose entity has not been created remotely
// yet. The entry waits without using up an attempt.
var errNoRemoteID = errors.New("entity has no remote id yet")

func (e *Engine) pushEntry(ctx context.Context, entry outbox.Entry, res *PushResult) error {
	scope := []domain.Collection{domain.CollectionSyncQueue}
	claimed := false
	err := e.store.Update(ctx, scope, func(tx store.Tx) error {
		var err error
		claimed, err = e.queue.Claim(tx, entry.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("claim entry %d: %w", entry.ID, err)
	}
	if !claimed {
		return nil
	}

	log := e.log.With(
		slog.Int64("entry_id", entry.ID),
		slog.String("collection", string(entry.Collection)),
		slog.String("action", string(entry.Action)),
	)

	remoteID, callErr := e.dispatch(ctx, entry)
	if errors.Is(callErr, errNoRemoteID) {
		res.Deferred++
		log.Debug("update waits for create", slog.Int64("entity_id", entry.EntityID))
		err := e.store.Update(ctx, scope, func(tx store.Tx) error {
			return e.queue.Release(tx, entry.ID)
		})
		return err
	}
	res.Attempted++

	if callErr != nil {
		var status outbox.Status
		err := e.store.Update(context.WithoutCancel(ctx), scope, func(tx store.Tx) error {
			var err error
			status, err = e.queue.Fail(tx, entry.ID, callErr, e.cfg.Policy)
			return err
		})
		if err != nil {
			return fmt.Errorf("record failure of entry %d: %w", entry.ID, err)
		}
		res.Failed++
		attrs := []any{slog.Int("attempt", entry.Attempts+1), slog.String("error", callErr.Error())}
		if status == outbox.StatusDead {
			res.DeadLettered++
			log.Error("sync entry dead-lettered", attrs...)
		} else {
			log.Warn("sync entry failed", attrs...)
		}
		return nil
	}

	scope = []domain.Collection{domain.CollectionSyncQueue, entry.Collection}
	err = e.store.Update(context.WithoutCancel(ctx), scope, func(tx store.Tx) error {
		if entry.Action == domain.ActionCreate && remoteID != "" {
			if _, err := tx.Merge(entry.Collection, entry.EntityID, map[string]any{store.FieldRemoteID: remoteID}); err != nil {
				return err
			}
		}
		return e.queue.Complete(tx, entry.ID)
	})
	if err != nil {
		return fmt.Errorf("complete entry %d: %w", entry.ID, err)
	}
	res.Pushed++
	return nil
}

// dispatch performs the remote call for one entry and returns the remote id
// the entity is known by afterwards.
func (e *Engine) dispatch(ctx context.Context, entry outbox.Entry) (string, error) {
	spec, ok := domain.LookupSpec(entry.Collection)
	if !ok {
		return "", fmt.Errorf("collection %s does not replicate", entry.Collection)
	}
	entity, err := entry.Entity()
	if err != nil {
		return "", err
	}
	db := e.cfg.Naming.DatabaseID
	coll := e.cfg.Naming.CollectionID(entry.Collection)

	switch entry.Action {
	case domain.ActionCreate:
		fields, err := ToRemote(spec, entry.Payload)
		if err != nil {
			return "", err
		}
		doc, err := e.remote.CreateDocument(ctx, db, coll, entry.DocumentID, fields)
		if errors.Is(err, remote.ErrConflict) && entry.DocumentID != "" {
			// An earlier attempt got through before failing locally.
			return entry.DocumentID, nil
		}
		if err != nil {
			return "", err
		}
		return doc.ID, nil

	case domain.ActionUpdate:
		remoteID, err := e.currentRemoteID(ctx, entry, entity)
		if err != nil {
			return "", err
		}
		if remoteID == "" {
			return "", errNoRemoteID
		}
		fields, err := ToRemote(spec, entry.Payload)
		if err != nil {
			return "", err
		}
		if _, err := e.remote.UpdateDocument(ctx, db, coll, remoteID, fields); err != nil {
			return "", err
		}
		return remoteID, nil

	case domain.ActionDelete:
		remoteID, err := e.currentRemoteID(ctx, entry, entity)
		if err != nil {
			return "", err
		}
		if remoteID == "" {
			// Never reached the remote; nothing to remove.
			return "", nil
		}
		err = e.remote.DeleteDocument(ctx, db, coll, remoteID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return "", err
		}
		return remoteID, nil
	}
	return "", fmt.Errorf("unknown action %q", entry.Action)
}

// currentRemoteID prefers the live record, which a completed CREATE has
// stamped since the entry was queued, over the payload snapshot.
func (e *Engine) currentRemoteID(ctx context.Context, entry outbox.Entry, snapshot domain.Entity) (string, error) {
	var remoteID string
	err := e.store.View(ctx, func(tx store.Tx) error {
		doc, err := tx.Get(entry.Collection, entry.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			remoteID = snapshot.Base().RemoteID
			return nil
		}
		if err != nil {
			return err
		}
		remoteID = doc.RemoteID
		return nil
	})
	return remoteID, err
}

type CollectionPull struct {
	Fetched  int    `json:"fetched"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

type PullResult struct {
	StartedAt   time.Time                             `json:"startedAt"`
	Skipped     string                                `json:"skipped,omitempty"`
	Collections map[domain.Collection]*CollectionPull `json:"collections,omitempty"`
}

// Pull fetches every replicated collection, referenced collections first,
// and upserts each document by remote id. It never queues anything. A
// collection that fails is logged and skipped; the failures are returned
// joined once every collection has been tried. Like Push, it does nothing
// while offline.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	res := PullResult{StartedAt: e.now()}
	e.mu.Lock()
	switch {
	case e.pulling:
		res.Skipped = SkipBusy
	case !e.online:
		res.Skipped = SkipOffline
	case !e.configured():
		res.Skipped = SkipUnconfigured
	default:
		e.pulling = true
	}
	e.mu.Unlock()
	if res.Skipped != "" {
		e.log.Debug("pull skipped", slog.String("reason", res.Skipped))
		return res, nil
	}
	defer func() {
		e.mu.Lock()
		e.pulling = false
		e.lastPull = &res
		e.mu.Unlock()
	}()

	res.Collections = make(map[domain.Collection]*CollectionPull)
	var errs []error
	for _, c := range domain.PullOrder() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		stats, err := e.pullCollection(ctx, c)
		res.Collections[c] = stats
		if err != nil {
			stats.Error = err.Error()
			e.log.Warn("pull collection failed", slog.String("collection", string(c)), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("pull %s: %w", c, err))
		}
	}
	return res, errors.Join(errs...)
}

func (e *Engine) pullCollection(ctx context.Context, c domain.Collection) (*CollectionPull, error) {
	stats := &CollectionPull{}
	spec, _ := domain.LookupSpec(c)
	docs, err := e.remote.ListDocuments(ctx, e.cfg.Naming.DatabaseID, e.cfg.Naming.CollectionID(c),
		remote.ListOptions{Limit: e.cfg.PullLimit})
	if err != nil {
		return stats, err
	}
	stats.Fetched = len(docs)
	if len(docs) == e.cfg.PullLimit {
		e.log.Warn("pull hit page limit", slog.String("collection", string(c)), slog.Int("limit", e.cfg.PullLimit))
	}

	err = e.store.Update(ctx, []domain.Collection{c}, func(tx store.Tx) error {
		for _, doc := range docs {
			if doc.ID == "" {
				stats.Skipped++
				continue
			}
			fields, err := FromRemote(spec, doc)
			if err != nil {
				stats.Skipped++
				e.log.Warn("skip remote document", slog.String("collection", string(c)), slog.String("error", err.Error()))
				continue
			}
			dropDeviceLinks(c, fields)
			inserted, err := upsert(tx, c, doc.ID, fields)
			if errors.Is(err, errBadShape) {
				stats.Skipped++
				e.log.Warn("skip remote document", slog.String("collection", string(c)),
					slog.String("remote_id", doc.ID), slog.String("error", err.Error()))
				continue
			}
			if err != nil {
				return err
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		return nil
	})
	return stats, err
}

var errBadShape = errors.New("document does not decode into its record type")

// deviceLinks are the yard mirror and remnant links. They hold local ids of
// the device that wrote the document, so pull never applies them: a pulled
// row keeps the links it already has, and a new one starts unlinked.
var deviceLinks = map[domain.Collection][]string{
	domain.CollectionInventory: {"parentId", "bundleId", "yardId"},
	domain.CollectionYards:     {"inventoryId"},
}

func dropDeviceLinks(c domain.Collection, fields map[string]any) {
	for _, key := range deviceLinks[c] {
		delete(fields, key)
	}
}

// upsert merges fields into the record holding remoteID, or into the record
// whose CREATE carried that document id, or inserts a new record.
func upsert(tx store.Tx, c domain.Collection, remoteID string, fields map[string]any) (bool, error) {
	var current store.Fields
	targetID := int64(0)

	doc, err := tx.FindByRemoteID(c, remoteID)
	switch {
	case err == nil:
		targetID = doc.ID
	case errors.Is(err, store.ErrNotFound):
		targetID, err = pendingCreate(tx, c, remoteID)
		if err != nil {
			return false, err
		}
		if targetID != 0 {
			doc, err = tx.Get(c, targetID)
			if errors.Is(err, store.ErrNotFound) {
				targetID = 0
			} else if err != nil {
				return false, err
			}
		}
	default:
		return false, err
	}

	if targetID != 0 {
		if current, err = doc.Fields(); err != nil {
			return false, err
		}
	} else {
		current = store.Fields{}
	}
	if err := current.Overlay(fields); err != nil {
		return false, err
	}
	if err := checkShape(c, current); err != nil {
		return false, err
	}

	if targetID != 0 {
		_, err := tx.Merge(c, targetID, fields)
		return false, err
	}
	_, err = tx.Insert(c, current)
	return true, err
}

func pendingCreate(tx store.Tx, c domain.Collection, documentID string) (int64, error) {
	entries, err := store.Select[outbox.Entry](tx, domain.CollectionSyncQueue,
		store.Where("documentId", documentID).And("collection", c).Take(1))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].EntityID, nil
}

func checkShape(c domain.Collection, f store.Fields) error {
	entity, err := domain.NewEntity(c)
	if err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, entity); err != nil {
		return fmt.Errorf("%w: %v", errBadShape, err)
	}
	return nil
}

// Run pushes every interval and pushes then pulls whenever the engine comes
// back online. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("sync loop started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync loop stopped")
			return
		case <-ticker.C:
			if _, err := e.Push(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("push failed", slog.String("error", err.Error()))
			}
		case <-e.kick:
			if _, err := e.Push(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("push failed", slog.String("error", err.Error()))
			}
			if _, err := e.Pull(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("pull failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Trigger asks Run for an immediate push and pull.
func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

type Status struct {
	Online     bool          `json:"online"`
	Configured bool          `json:"configured"`
	Pushing    bool          `json:"pushing"`
	Pulling    bool          `json:"pulling"`
	Queue      outbox.Counts `json:"queue"`
	LastPush   *PushResult   `json:"lastPush,omitempty"`
	LastPull   *PullResult   `json:"lastPull,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var counts outbox.Counts
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		counts, err = e.queue.Counts(tx)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Online:     e.online,
		Configured: e.configured(),
		Pushing:    e.pushing,
		Pulling:    e.pulling,
		Queue:      counts,
	}
	if e.lastPush != nil {
		p := *e.lastPush
		st.LastPush = &p
	}
	if e.lastPull != nil {
		p := *e.lastPull
		st.LastPull = &p
	}
	return st, nil
}

// Entries lists queue entries, all of them when status is empty.
func (e *Engine) Entries(ctx context.Context, status outbox.Status) ([]outbox.Entry, error) {
	var entries []outbox.Entry
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if status == "" {
			entries, err = e.queue.All(tx)
		} else {
			entries, err = e.queue.List(tx, status)
		}
		return err
	})
	return entries, err
}

// Requeue revives dead-lettered entries, all of them when ids is empty.
func (e *Engine) Requeue(ctx context.Context, ids ...int64) (int, error) {
	n := 0
	err := e.store.Update(ctx, []domain.Collection{domain.CollectionSyncQueue}, func(tx store.Tx) error {
		var err error
		n, err = e.queue.Requeue(tx, ids...)
		return err
	})
	if n > 0 {
		e.log.Info("requeued dead entries", slog.Int("count", n))
	}
	return n, err
}
