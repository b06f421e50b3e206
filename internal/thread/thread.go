// Package thread keeps at most one chat's message feed in sync and mediates
// sending. Messages appear in the local snapshot only once the store has
// delivered them back through the subscription.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
	"github.com/dlemos/pchat/internal/suggest"
)

// entry tracks when a message was first observed so ties on the server
// timestamp resolve deterministically.
type entry struct {
	msg     model.Message
	arrival uint64
}

// Synchronizer holds the open thread. Open replaces any previously open
// chat; a generation counter bumped on every Open and Close fences
// notifications that were already in flight when the thread changed.
type Synchronizer struct {
	store     remote.Store
	session   *session.Session
	loop      *session.Loop
	tracker   *status.Tracker
	bus       *bus.Bus
	suggester suggest.Service
	logger    *zap.Logger

	mu          sync.Mutex
	uid         string
	chatID      string
	generation  uint64
	sub         remote.Subscription
	entries     map[string]entry
	nextArrival uint64

	suggestedKey string
	suggestions  []string
}

// New creates a thread synchronizer. A nil suggester disables smart replies.
func New(store remote.Store, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, suggester suggest.Service, logger *zap.Logger) *Synchronizer {
	if suggester == nil {
		suggester = suggest.Disabled{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:     store,
		session:   sess,
		loop:      loop,
		tracker:   tracker,
		bus:       b,
		suggester: suggester,
		logger:    logger,
	}
}

// Start records the session user. No thread is opened until Open.
func (s *Synchronizer) Start(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

// Stop closes any open thread and forgets the session user. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.uid = ""
}

// Open subscribes to chatID's messages, closing any previously open thread
// first. Opening the chat that is already open is a no-op.
func (s *Synchronizer) Open(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uid == "" {
		return session.ErrNotAuthenticated
	}
	if s.sub != nil && s.chatID == chatID {
		return nil
	}
	s.closeLocked()

	s.generation++
	gen := s.generation
	epoch := s.session.Epoch()
	uid := s.uid
	s.tracker.SetLoading(status.SourceThread)

	sub, err := s.store.Subscribe(context.Background(), remote.MessagesCollection(chatID), nil,
		func(d remote.Delta) {
			s.loop.Post(func() { s.apply(epoch, gen, uid, d) })
		})
	if err != nil {
		s.tracker.SetError(status.SourceThread, err)
		s.logger.Error("thread subscribe failed", zap.Error(err), zap.String("chat_id", chatID))
		return fmt.Errorf("open thread: %w", err)
	}
	s.sub = sub
	s.chatID = chatID
	s.entries = make(map[string]entry)
	s.nextArrival = 0
	return nil
}

// Close tears down the open thread, if any. Idempotent. Notifications still
// in flight for the closed chat are discarded by the generation fence.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	s.closeLocked()
	s.tracker.SetIdle(status.SourceThread)
	s.publish(bus.KindThreadUpdated)
}

func (s *Synchronizer) closeLocked() {
	s.generation++
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.chatID = ""
	s.entries = nil
	s.nextArrival = 0
	s.suggestedKey = ""
	s.suggestions = nil
}

// ChatID returns the open chat id, or "" when no thread is open.
func (s *Synchronizer) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Messages returns the open thread's messages ordered by server send time,
// with arrival order breaking ties.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].msg.SentAt != out[j].msg.SentAt {
			return out[i].msg.SentAt < out[j].msg.SentAt
		}
		return out[i].arrival < out[j].arrival
	})
	msgs := make([]model.Message, len(out))
	for i, e := range out {
		msgs[i] = e.msg
	}
	return msgs
}

// Suggestions returns the smart replies for the latest inbound message.
func (s *Synchronizer) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.suggestions))
	copy(out, s.suggestions)
	return out
}

// Send writes a message to chatID and stamps the chat's activity time. The
// message shows up in Messages only after the store delivers it back. The
// body is stored verbatim, empty included; what counts as sendable is the
// caller's call.
func (s *Synchronizer) Send(ctx context.Context, chatID, body string) error {
	uid, ok := s.session.CurrentUserID()
	if !ok {
		return session.ErrNotAuthenticated
	}

	key := uuid.NewString()
	err := s.store.Write(ctx, remote.MessagesCollection(chatID), key, map[string]any{
		"key":      key,
		"senderId": uid,
		"body":     body,
	}, remote.WithServerTime("sentAt"))
	if err != nil {
		s.tracker.SetError(status.SourceThread, err)
		return fmt.Errorf("send message: %w", err)
	}

	// Activity stamp feeds roster recency ordering; best-effort.
	err = s.store.Write(ctx, remote.ChatsCollection, chatID, map[string]any{},
		remote.WithMerge(), remote.WithServerTime("lastActivityAt"))
	if err != nil {
		s.logger.Warn("chat activity stamp failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	return nil
}

// apply reconciles one delta on the sequencing loop. Deltas from a previous
// session epoch or a closed thread generation are discarded.
func (s *Synchronizer) apply(epoch, gen uint64, uid string, d remote.Delta) {
	if s.session.Epoch() != epoch {
		return
	}
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if d.Err != nil {
		s.mu.Unlock()
		s.tracker.SetError(status.SourceThread, d.Err)
		s.logger.Warn("thread subscription error", zap.Error(d.Err))
		return
	}

	for _, doc := range append(d.Added, d.Modified...) {
		var m model.Message
		if err := json.Unmarshal(doc.Data, &m); err != nil {
			s.logger.Warn("malformed message document", zap.Error(err), zap.String("key", doc.Key))
			continue
		}
		m.Key = doc.Key
		prev, seen := s.entries[doc.Key]
		if seen {
			s.entries[doc.Key] = entry{msg: m, arrival: prev.arrival}
			continue
		}
		s.entries[doc.Key] = entry{msg: m, arrival: s.nextArrival}
		s.nextArrival++
	}
	for _, key := range d.Removed {
		delete(s.entries, key)
	}

	latest, ok := s.latestInboundLocked(uid)
	refresh := ok && latest.Key != s.suggestedKey
	if refresh {
		s.suggestedKey = latest.Key
	}
	s.mu.Unlock()

	s.tracker.SetIdle(status.SourceThread)
	s.publish(bus.KindThreadUpdated)
	if refresh {
		go s.refreshSuggestions(gen, latest)
	}
}

// latestInboundLocked returns the newest message not sent by uid.
func (s *Synchronizer) latestInboundLocked(uid string) (model.Message, bool) {
	var best entry
	found := false
	for _, e := range s.entries {
		if e.msg.SenderID == uid {
			continue
		}
		newer := e.msg.SentAt > best.msg.SentAt ||
			(e.msg.SentAt == best.msg.SentAt && e.arrival > best.arrival)
		if !found || newer {
			best = e
			found = true
		}
	}
	return best.msg, found
}

// refreshSuggestions queries the suggester off the loop, then posts the
// result back. A thread closed or reopened in the meantime wins.
func (s *Synchronizer) refreshSuggestions(gen uint64, m model.Message) {
	replies := s.suggester.Suggest(context.Background(), m.Body)
	s.loop.Post(func() {
		s.mu.Lock()
		if s.generation != gen || s.suggestedKey != m.Key {
			s.mu.Unlock()
			return
		}
		s.suggestions = replies
		s.mu.Unlock()
		s.publish(bus.KindThreadSuggestions)
	})
}

func (s *Synchronizer) publish(kind string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(kind, nil)
}
