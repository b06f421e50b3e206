// Package natstore implements the remote document store on NATS JetStream.
// Every write is an envelope published to a per-document subject; the store
// folds the stream into an in-memory replica and answers reads, queries and
// subscriptions from it. Last write wins per document.
package natstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/remote"
)

const (
	streamName    = "PCHAT"
	subjectPrefix = "pchat"
	blobBucket    = "pchat-blobs"

	initialSyncTimeout = 10 * time.Second
)

// envelope is the wire form of one document revision. Deleted revisions
// tombstone the key.
type envelope struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data,omitempty"`
	TS         int64           `json:"ts"`
	Deleted    bool            `json:"deleted,omitempty"`
}

type document struct {
	data json.RawMessage
	ts   int64
}

// subscriber queues deltas for one subscription. The queue is unbounded so
// fold never blocks under the store mutex, no matter how slow the handler.
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

// Store is a NATS JetStream backed remote.Store and remote.Blob.
type Store struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	blobs   jetstream.ObjectStore
	consume jetstream.ConsumeContext
	logger  *zap.Logger

	mu     sync.Mutex
	docs   map[string]map[string]document
	subs   map[*subscriber]struct{}
	lastTS int64
	synced chan struct{}
	closed bool
}

// Open connects to the NATS server at url, ensures the stream and blob
// bucket exist and replays the stream into the local replica before
// returning.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %v: %w", url, err, remote.ErrUnavailable)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %v: %w", err, remote.ErrUnavailable)
	}

	s := &Store{
		nc:     nc,
		js:     js,
		logger: logger,
		docs:   make(map[string]map[string]document),
		subs:   make(map[*subscriber]struct{}),
		synced: make(chan struct{}),
	}
	if err := s.init(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.js.Stream(ctx, streamName)
	if err != nil {
		_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ".>"},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream: %v: %w", err, remote.ErrUnavailable)
		}
	}

	s.blobs, err = s.js.ObjectStore(ctx, blobBucket)
	if err != nil {
		s.blobs, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket: blobBucket,
		})
		if err != nil {
			return fmt.Errorf("create blob bucket: %v: %w", err, remote.ErrUnavailable)
		}
	}

	cons, err := s.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckNonePolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %v: %w", err, remote.ErrUnavailable)
	}

	pending := cons.CachedInfo().NumPending
	var replayed uint64
	var syncOnce sync.Once
	if pending == 0 {
		syncOnce.Do(func() { close(s.synced) })
	}

	s.consume, err = cons.Consume(func(msg jetstream.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			s.logger.Warn("malformed stream envelope", zap.Error(err), zap.String("subject", msg.Subject()))
		} else {
			s.fold(env)
		}
		replayed++
		if replayed >= pending {
			syncOnce.Do(func() { close(s.synced) })
		}
	})
	if err != nil {
		return fmt.Errorf("consume stream: %v: %w", err, remote.ErrUnavailable)
	}

	select {
	case <-s.synced:
	case <-time.After(initialSyncTimeout):
		s.consume.Stop()
		return fmt.Errorf("initial stream replay timed out: %w", remote.ErrUnavailable)
	case <-ctx.Done():
		s.consume.Stop()
		return fmt.Errorf("initial stream replay: %v: %w", ctx.Err(), remote.ErrCanceled)
	}
	return nil
}

// fold applies one envelope to the replica and notifies subscribers.
// Revisions older than the replica's copy are ignored.
func (s *Store) fold(env envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	coll := s.docs[env.Collection]
	if coll == nil {
		coll = make(map[string]document)
		s.docs[env.Collection] = coll
	}
	if prev, ok := coll[env.Key]; ok && prev.ts > env.TS {
		return
	}
	if env.TS > s.lastTS {
		s.lastTS = env.TS
	}
	if env.Deleted {
		delete(coll, env.Key)
	} else {
		coll[env.Key] = document{data: env.Data, ts: env.TS}
	}
	s.notifyLocked(env.Collection, env.Key)
}

// notifyLocked recomputes membership of collection/key for every subscriber
// on that collection and pushes the resulting delta.
func (s *Store) notifyLocked(collection, key string) {
	doc, exists := s.docs[collection][key]
	for sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		matches := exists && sub.filter.Matches(doc.data)
		_, was := sub.matched[key]

		var delta remote.Delta
		switch {
		case matches && was:
			delta.Modified = []remote.Doc{{Key: key, Data: doc.data}}
		case matches && !was:
			sub.matched[key] = struct{}{}
			delta.Added = []remote.Doc{{Key: key, Data: doc.data}}
		case !matches && was:
			delete(sub.matched, key)
			delta.Removed = []string{key}
		default:
			continue
		}
		sub.push(delta)
	}
}

// Write publishes a document revision. The replica applies it when the
// stream delivers it back; the server timestamp is stamped client-side and
// kept monotonic per store instance.
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
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("write %s/%s: store closed: %w", collection, key, remote.ErrUnavailable)
	}
	if o.Merge {
		if prev, ok := s.docs[collection][key]; ok {
			var merged map[string]any
			if err := json.Unmarshal(prev.data, &merged); err == nil {
				for k, v := range fields {
					merged[k] = v
				}
				fields = merged
			}
		}
	}
	ts := time.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	s.mu.Unlock()

	if o.ServerTimeField != "" {
		fields[o.ServerTimeField] = ts
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	env, err := json.Marshal(envelope{Collection: collection, Key: key, Data: data, TS: ts})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, err := s.js.Publish(ctx, SubjectFor(collection, key), env); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("write %s/%s: %v: %w", collection, key, err, remote.ErrCanceled)
		}
		return fmt.Errorf("write %s/%s: %v: %w", collection, key, err, remote.ErrUnavailable)
	}

	// Apply locally as well: a reader must see its own acknowledged write
	// even before the stream echoes it back.
	s.fold(envelope{Collection: collection, Key: key, Data: data, TS: ts})
	return nil
}

// Read returns the replica's copy of collection/key.
func (s *Store) Read(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read %s/%s: %v: %w", collection, key, err, remote.ErrCanceled)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][key]
	if !ok {
		return nil, fmt.Errorf("read %s/%s: %w", collection, key, remote.ErrNotFound)
	}
	out := make(json.RawMessage, len(doc.data))
	copy(out, doc.data)
	return out, nil
}

// Query returns the replica's documents in collection matching filter.
func (s *Store) Query(ctx context.Context, collection string, filter remote.Filter) ([]remote.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %v: %w", collection, err, remote.ErrCanceled)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.Doc
	for key, doc := range s.docs[collection] {
		if filter.Matches(doc.data) {
			out = append(out, remote.Doc{Key: key, Data: doc.data})
		}
	}
	return out, nil
}

// Subscribe registers a collection subscription. The current replica state
// matching filter is delivered as the first delta, empty or not, then each
// folded revision follows in order.
func (s *Store) Subscribe(ctx context.Context, collection string, filter remote.Filter, fn remote.Handler) (remote.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %v: %w", collection, err, remote.ErrCanceled)
	}

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
	var initial remote.Delta
	for key, doc := range s.docs[collection] {
		if filter.Matches(doc.data) {
			sub.matched[key] = struct{}{}
			initial.Added = append(initial.Added, remote.Doc{Key: key, Data: doc.data})
		}
	}
	s.subs[sub] = struct{}{}
	sub.push(initial)
	s.mu.Unlock()

	go sub.pump(fn)

	return subscriptionFunc(func() {
		sub.once.Do(func() { close(sub.done) })
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}), nil
}

type subscriptionFunc func()

func (f subscriptionFunc) Cancel() { f() }

// Close stops the stream consumer, cancels subscriptions and drops the
// connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
	if s.consume != nil {
		s.consume.Stop()
	}
	s.nc.Close()
	return nil
}
