// Package litestore implements the remote document and blob store boundary
// on a local SQLite database. It is the backend used by tests and
// single-machine deployments: writes are durable in SQLite and change
// notifications fan out in-process to live subscriptions.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dlemos/pchat/internal/remote"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed remote.Store and remote.Blob.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	lastTS int64
	closed bool
}

// Open creates a litestore at path with WAL mode and recommended pragmas,
// and runs pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{
		db:   db,
		subs: make(map[int]*subscriber),
	}
	if _, err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close cancels every live subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return s.db.Close()
}

// Write upserts a document and notifies matching subscriptions. It returns
// once the row is committed.
func (s *Store) Write(ctx context.Context, collection, key string, doc any, opts ...remote.WriteOption) error {
	o := remote.ApplyWriteOptions(opts)

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("document must be a JSON object: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("write %s/%s: store closed: %w", collection, key, remote.ErrUnavailable)
	}

	old, exists, err := s.readRow(ctx, collection, key)
	if err != nil {
		return unavailable(fmt.Sprintf("write %s/%s", collection, key), err)
	}

	if o.Merge && exists {
		var merged map[string]any
		if err := json.Unmarshal(old, &merged); err == nil {
			for k, v := range fields {
				merged[k] = v
			}
			fields = merged
		}
	}

	ts := s.serverNow()
	if o.ServerTimeField != "" {
		fields[o.ServerTimeField] = ts
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, key, data, server_ts, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			data = excluded.data,
			server_ts = excluded.server_ts,
			updated_at = excluded.updated_at`,
		collection, key, string(data), ts, now)
	if err != nil {
		return unavailable(fmt.Sprintf("write %s/%s", collection, key), err)
	}

	s.notifyLocked(collection, key, data)
	return nil
}

// Read returns the document JSON, or remote.ErrNotFound.
func (s *Store) Read(ctx context.Context, collection, key string) (json.RawMessage, error) {
	data, exists, err := s.readRow(ctx, collection, key)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("read %s/%s", collection, key), err)
	}
	if !exists {
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, remote.ErrNotFound)
	}
	return data, nil
}

// Query returns all documents in a collection matching the filter.
func (s *Store) Query(ctx context.Context, collection string, filter remote.Filter) ([]remote.Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, data FROM documents WHERE collection = ? ORDER BY server_ts ASC`, collection)
	if err != nil {
		return nil, unavailable("query "+collection, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []remote.Doc
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, unavailable("query "+collection, err)
		}
		raw := json.RawMessage(data)
		if filter.Matches(raw) {
			docs = append(docs, remote.Doc{Key: key, Data: raw})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query "+collection, err)
	}
	return docs, nil
}

// Subscribe registers a change handler. The current matching documents are
// delivered as one initial Added delta, then one delta per write, in commit
// order. Registration never blocks the caller.
func (s *Store) Subscribe(ctx context.Context, collection string, filter remote.Filter, fn remote.Handler) (remote.Subscription, error) {
	sub := &subscriber{
		collection: collection,
		filter:     filter,
		matched:    make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: store closed: %w", collection, remote.ErrUnavailable)
	}
	initial, err := s.queryLocked(ctx, collection, filter)
	if err != nil {
		s.mu.Unlock()
		return nil, unavailable("subscribe "+collection, err)
	}
	for _, d := range initial {
		sub.matched[d.Key] = struct{}{}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	// The initial delta is always delivered, even when empty, so a
	// subscriber can tell "snapshot complete" from "still waiting".
	sub.push(remote.Delta{Added: initial})
	s.mu.Unlock()

	go sub.pump(fn)

	unregister := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stop()
	}
	return subscriptionFunc(unregister), nil
}

// Upload stores bytes in the blobs table and returns a litestore URL.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	id := newBlobID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, data, created_at) VALUES (?, ?, ?)`,
		id, data, time.Now().UnixMilli())
	if err != nil {
		return "", unavailable("upload blob", err)
	}
	return "lite://blobs/" + id, nil
}

// GetBlob returns the bytes previously uploaded under the given URL.
func (s *Store) GetBlob(ctx context.Context, url string) ([]byte, error) {
	id, ok := blobIDFromURL(url)
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", url, remote.ErrNotFound)
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %q: %w", url, remote.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get blob", err)
	}
	return data, nil
}

func (s *Store) readRow(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND key = ?`, collection, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(data), true, nil
}

func (s *Store) queryLocked(ctx context.Context, collection string, filter remote.Filter) ([]remote.Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, data FROM documents WHERE collection = ? ORDER BY server_ts ASC`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []remote.Doc
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		raw := json.RawMessage(data)
		if filter.Matches(raw) {
			docs = append(docs, remote.Doc{Key: key, Data: raw})
		}
	}
	return docs, rows.Err()
}

// serverNow returns a store-wide monotonic timestamp in millis. Two writes
// never share a timestamp, which is what makes sentAt a total order.
func (s *Store) serverNow() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// notifyLocked fans a committed write out to matching subscriptions.
// Called with s.mu held so every subscription observes writes in commit order.
func (s *Store) notifyLocked(collection, key string, data json.RawMessage) {
	doc := remote.Doc{Key: key, Data: data}
	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		matchNow := sub.filter.Matches(data)
		_, matchedBefore := sub.matched[key]

		var delta remote.Delta
		switch {
		case matchNow && !matchedBefore:
			sub.matched[key] = struct{}{}
			delta.Added = []remote.Doc{doc}
		case matchNow && matchedBefore:
			delta.Modified = []remote.Doc{doc}
		case !matchNow && matchedBefore:
			delete(sub.matched, key)
			delta.Removed = []string{key}
		default:
			continue
		}

		sub.push(delta)
	}
}

// subscriber queues deltas for one subscription. The queue is unbounded so
// pushing under the store mutex never blocks: a handler that itself writes
// to the store (the roster's snapshot refresh does) must not be able to
// wedge the writer behind its own backlog.
type subscriber struct {
	collection string
	filter     remote.Filter
	matched    map[string]struct{}

	qmu   sync.Mutex
	queue []remote.Delta
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (sub *subscriber) push(delta remote.Delta) {
	sub.qmu.Lock()
	sub.queue = append(sub.queue, delta)
	sub.qmu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) pump(fn remote.Handler) {
	for {
		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
		for {
			sub.qmu.Lock()
			if len(sub.queue) == 0 {
				sub.qmu.Unlock()
				break
			}
			delta := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.qmu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			fn(delta)
		}
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

type subscriptionFunc func()

func (f subscriptionFunc) Cancel() { f() }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, remote.ErrUnavailable)
}
