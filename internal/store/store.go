// Package store implements the append-only record log with a derived
// query cache, file locking, and a change-event broadcast described in
// SPEC_FULL.md section 4.1. All mutations are mediated by a single actor
// goroutine per Store instance; callers never touch the log or cache
// directly, matching the "state actor" pattern the teacher's
// statemanager.Manager uses for its in-memory operation registry,
// generalized here to own durable state instead.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/ids"
	"github.com/taskdaemon/taskdaemon/internal/model"
)

// Factory builds a zero-value record of a collection's concrete type so
// Get/List can unmarshal into it without reflection.
type Factory func() model.Record

type collectionMeta struct {
	path    string
	warnMB  int
	errorMB int
}

// Store owns one project's base directory: the jsonl logs, the bbolt
// derived cache, and the change-event broadcaster.
type Store struct {
	basePath string
	cache    *cache
	bus      *broadcaster
	log      *logrus.Entry

	collMu      sync.RWMutex
	factories   map[string]Factory
	collections map[string]collectionMeta

	reqCh  chan interface{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates a Store rooted at basePath, opening (or creating) the
// derived cache file at <basePath>/index/cache.db and starting the actor
// goroutine.
func Open(basePath string, log *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "index"), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir base: %w", err)
	}
	c, err := openCache(filepath.Join(basePath, "index", "cache.db"))
	if err != nil {
		return nil, err
	}
	s := &Store{
		basePath:    basePath,
		cache:       c,
		bus:         newBroadcaster(),
		log:         log,
		factories:   make(map[string]Factory),
		collections: make(map[string]collectionMeta),
		reqCh:       make(chan interface{}, 256),
		doneCh:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// RegisterCollection declares a collection's jsonl filename, concrete
// record factory, and size thresholds (in MB). Must be called before any
// Create/Update/Get/List against that collection; typically done once at
// startup for plans/specs/phases/runs/coordination.
func (s *Store) RegisterCollection(name, filename string, warnMB, errorMB int, factory Factory) {
	s.collMu.Lock()
	defer s.collMu.Unlock()
	s.factories[name] = factory
	s.collections[name] = collectionMeta{
		path:    filepath.Join(s.basePath, filename),
		warnMB:  warnMB,
		errorMB: errorMB,
	}
}

func (s *Store) meta(collection string) (collectionMeta, Factory, bool) {
	s.collMu.RLock()
	defer s.collMu.RUnlock()
	m, ok := s.collections[collection]
	f := s.factories[collection]
	return m, f, ok
}

// Close stops the actor and releases the cache file handle.
func (s *Store) Close() error {
	close(s.doneCh)
	s.wg.Wait()
	s.bus.Close()
	return s.cache.Close()
}

// Subscribe returns a channel of Event/Lagged values and an unsubscribe
// func, per the subscribe_events() contract.
func (s *Store) Subscribe() (<-chan interface{}, func()) {
	return s.bus.Subscribe()
}

type createReq struct {
	collection string
	rec        model.Record
	reply      chan createReply
}
type createReply struct {
	id  string
	err error
}

type updateReq struct {
	collection string
	rec        model.Record
	reply      chan error
}

type getReq struct {
	collection string
	id         string
	reply      chan getReply
}
type getReply struct {
	rec   model.Record
	found bool
	err   error
}

type listReq struct {
	collection string
	filters    []Filter
	reply      chan listReply
}
type listReply struct {
	recs []model.Record
	err  error
}

type rebuildReq struct {
	collection string
	reply      chan rebuildReply
}
type rebuildReply struct {
	count int
	err   error
}

// Create appends a new record, as described in SPEC_FULL.md section 4.1.
func (s *Store) Create(ctx context.Context, collection string, rec model.Record) (string, error) {
	reply := make(chan createReply, 1)
	req := createReq{collection: collection, rec: rec, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Update appends a later-timestamped record with the same id.
func (s *Store) Update(ctx context.Context, collection string, rec model.Record) error {
	reply := make(chan error, 1)
	req := updateReq{collection: collection, rec: rec, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get performs a latest-wins read.
func (s *Store) Get(ctx context.Context, collection, id string) (model.Record, bool, error) {
	reply := make(chan getReply, 1)
	req := getReq{collection: collection, id: id, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.rec, r.found, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// List returns every record in a collection matching all filters.
func (s *Store) List(ctx context.Context, collection string, filters ...Filter) ([]model.Record, error) {
	reply := make(chan listReply, 1)
	req := listReq{collection: collection, filters: filters, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.recs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RebuildIndex rescans a collection's log and repopulates the derived
// cache, returning the number of live (non-tombstone) records found.
func (s *Store) RebuildIndex(ctx context.Context, collection string) (int, error) {
	reply := make(chan rebuildReply, 1)
	req := rebuildReq{collection: collection, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.count, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// run is the single actor goroutine; every mutation/read of the cache and
// log flows through here, so there is never lock contention on the record
// log beyond the OS-level flock used for crash-safety against other
// processes.
func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.doneCh:
			return
		case req := <-s.reqCh:
			s.handle(req)
		}
	}
}

func (s *Store) handle(req interface{}) {
	switch r := req.(type) {
	case createReq:
		id, err := s.doCreate(r.collection, r.rec)
		r.reply <- createReply{id: id, err: err}
	case updateReq:
		r.reply <- s.doUpdate(r.collection, r.rec)
	case getReq:
		rec, found, err := s.doGet(r.collection, r.id)
		r.reply <- getReply{rec: rec, found: found, err: err}
	case listReq:
		recs, err := s.doList(r.collection, r.filters)
		r.reply <- listReply{recs: recs, err: err}
	case rebuildReq:
		n, err := s.doRebuild(r.collection)
		r.reply <- rebuildReply{count: n, err: err}
	}
}

func (s *Store) doCreate(collection string, rec model.Record) (string, error) {
	if !ids.Valid(rec.RecordID()) {
		return "", fmt.Errorf("store: invalid id %q", rec.RecordID())
	}
	meta, _, ok := s.meta(collection)
	if !ok {
		return "", fmt.Errorf("store: unregistered collection %q", collection)
	}
	if err := s.checkSize(meta); err != nil {
		return "", err
	}

	ctx := context.Background()
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: marshal: %w", err)
	}
	ll := logLine{Kind: rec.RecordKind(), ID: rec.RecordID(), UpdatedAtMs: rec.UpdatedAtMs(), Deleted: rec.Deleted(), Fields: raw}
	newSize, err := appendRecord(ctx, meta.path, ll)
	if err != nil {
		return "", err
	}
	s.warnIfLarge(collection, meta, newSize)

	if err := s.cache.put(collection, rec.RecordID(), raw); err != nil {
		return "", fmt.Errorf("store: cache put: %w", err)
	}
	s.syncMtime(collection, meta)

	s.bus.Publish(Event{Kind: EventCreated, Collection: collection, ID: rec.RecordID()})
	if status, ok := extractStatus(raw); ok && status == string(model.StatusPending) {
		s.bus.Publish(Event{Kind: EventReadyForPickup, Collection: collection, ID: rec.RecordID()})
	}
	return rec.RecordID(), nil
}

func (s *Store) doUpdate(collection string, rec model.Record) error {
	if !ids.Valid(rec.RecordID()) {
		return fmt.Errorf("store: invalid id %q", rec.RecordID())
	}
	meta, _, ok := s.meta(collection)
	if !ok {
		return fmt.Errorf("store: unregistered collection %q", collection)
	}
	if err := s.checkSize(meta); err != nil {
		return err
	}

	prevRaw, found, err := s.cache.get(collection, rec.RecordID())
	if err != nil {
		return fmt.Errorf("store: cache get: %w", err)
	}
	var prevStatus string
	var prevUpdated int64 = -1
	if found {
		var prevEnvelope struct {
			UpdatedAtMs int64  `json:"updated_at_ms"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(prevRaw, &prevEnvelope); err == nil {
			prevUpdated = prevEnvelope.UpdatedAtMs
			prevStatus = prevEnvelope.Status
		}
	}
	if found && rec.UpdatedAtMs() <= prevUpdated {
		return fmt.Errorf("%w: id=%s", daemonerr.ErrStaleWrite, rec.RecordID())
	}

	ctx := context.Background()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	ll := logLine{Kind: rec.RecordKind(), ID: rec.RecordID(), UpdatedAtMs: rec.UpdatedAtMs(), Deleted: rec.Deleted(), Fields: raw}
	newSize, err := appendRecord(ctx, meta.path, ll)
	if err != nil {
		return err
	}
	s.warnIfLarge(collection, meta, newSize)

	if err := s.cache.put(collection, rec.RecordID(), raw); err != nil {
		return fmt.Errorf("store: cache put: %w", err)
	}
	s.syncMtime(collection, meta)

	s.bus.Publish(Event{Kind: EventUpdated, Collection: collection, ID: rec.RecordID()})
	if newStatus, ok := extractStatus(raw); ok && newStatus == string(model.StatusPending) && prevStatus != string(model.StatusPending) {
		s.bus.Publish(Event{Kind: EventReadyForPickup, Collection: collection, ID: rec.RecordID()})
	}
	return nil
}

func (s *Store) doGet(collection, id string) (model.Record, bool, error) {
	meta, factory, ok := s.meta(collection)
	if !ok {
		return nil, false, fmt.Errorf("store: unregistered collection %q", collection)
	}
	if err := s.ensureFresh(collection, meta); err != nil {
		return nil, false, err
	}
	raw, found, err := s.cache.get(collection, id)
	if err != nil || !found {
		return nil, false, err
	}
	rec := factory()
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, false, fmt.Errorf("%w: %v", daemonerr.ErrStorageCorrupt, err)
	}
	if rec.Deleted() {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *Store) doList(collection string, filters []Filter) ([]model.Record, error) {
	meta, factory, ok := s.meta(collection)
	if !ok {
		return nil, fmt.Errorf("store: unregistered collection %q", collection)
	}
	if err := s.ensureFresh(collection, meta); err != nil {
		return nil, err
	}
	var out []model.Record
	err := s.cache.forEach(collection, func(id string, raw []byte) error {
		if !matchesAll(raw, filters) {
			return nil
		}
		rec := factory()
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil // skip corrupt cache entries; rebuild_index will surface them
		}
		if rec.Deleted() {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Store) doRebuild(collection string) (int, error) {
	meta, _, ok := s.meta(collection)
	if !ok {
		return 0, fmt.Errorf("store: unregistered collection %q", collection)
	}
	latest := make(map[string]logLine)
	order := make([]string, 0)
	_, err := replayLog(context.Background(), meta.path, func(ll logLine) error {
		if _, seen := latest[ll.ID]; !seen {
			order = append(order, ll.ID)
		}
		if existing, seen := latest[ll.ID]; !seen || ll.UpdatedAtMs >= existing.UpdatedAtMs {
			latest[ll.ID] = ll
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.cache.clear(collection); err != nil {
		return 0, err
	}
	count := 0
	for _, id := range order {
		ll := latest[id]
		if err := s.cache.put(collection, id, ll.Fields); err != nil {
			return count, err
		}
		if !ll.Deleted {
			count++
		}
	}
	s.syncMtime(collection, meta)
	return count, nil
}

func (s *Store) checkSize(meta collectionMeta) error {
	if meta.errorMB <= 0 {
		return nil
	}
	info, err := os.Stat(meta.path)
	if err != nil {
		return nil // file doesn't exist yet
	}
	if info.Size() >= int64(meta.errorMB)*1024*1024 {
		return fmt.Errorf("%w: %s at %s exceeds %s limit", daemonerr.ErrDiskFull, meta.path,
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(meta.errorMB)*1024*1024))
	}
	return nil
}

func (s *Store) warnIfLarge(collection string, meta collectionMeta, size int64) {
	if meta.warnMB <= 0 {
		return
	}
	if size >= int64(meta.warnMB)*1024*1024 {
		s.log.WithField("collection", collection).WithField("size", humanize.Bytes(uint64(size))).
			Warn("store: log approaching size threshold")
	}
}

func (s *Store) syncMtime(collection string, meta collectionMeta) {
	info, err := logMtime(meta.path)
	if err != nil {
		return
	}
	_ = s.cache.setSyncedMtime(collection, info.ModTime())
}

// ensureFresh compares the log file's mtime against the cache's recorded
// last-synced mtime; on mismatch it triggers a full rebuild, per the
// staleness-detection algorithm in SPEC_FULL.md section 4.1.
func (s *Store) ensureFresh(collection string, meta collectionMeta) error {
	info, err := logMtime(meta.path)
	if err != nil {
		return nil // log doesn't exist yet: cache is trivially fresh (empty)
	}
	synced, ok := s.cache.syncedMtime(collection)
	if ok && !info.ModTime().After(synced) {
		return nil
	}
	_, err = s.doRebuild(collection)
	return err
}

func extractStatus(raw []byte) (string, bool) {
	var env struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	if env.Status == "" {
		return "", false
	}
	return env.Status, true
}
