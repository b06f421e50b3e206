// Package roster keeps the authenticated user's chat list in sync and owns
// chat creation.
package roster

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
)

// Entry is one reconciled chat plus its insertion sequence, which is what
// the default ordering sorts by.
type Entry struct {
	Chat model.Chat
	Seq  int
}

// Comparator orders the exposed chat list. It reports whether a sorts
// before b.
type Comparator func(a, b Entry) bool

// Insertion orders chats by when the roster first observed them. This
// mirrors the upstream behaviour; ByActivity is the recency alternative.
func Insertion(a, b Entry) bool { return a.Seq < b.Seq }

// ByActivity orders chats most-recent-activity-first, falling back to
// insertion order for chats that have never seen a message.
func ByActivity(a, b Entry) bool {
	if a.Chat.LastActivityAt != b.Chat.LastActivityAt {
		return a.Chat.LastActivityAt > b.Chat.LastActivityAt
	}
	return a.Seq < b.Seq
}

// ProfileSource provides the current user's latest profile snapshot.
// Satisfied by profile.Synchronizer.
type ProfileSource interface {
	Profile() (model.UserProfile, bool)
}

// Synchronizer subscribes to the set of chats containing the current user
// and reconciles snapshot deltas into an ordered chat list. Reconciliation
// is keyed by chat id, so re-delivered deltas are no-ops.
type Synchronizer struct {
	store    remote.Store
	session  *session.Session
	loop     *session.Loop
	tracker  *status.Tracker
	bus      *bus.Bus
	profiles ProfileSource
	logger   *zap.Logger
	cmp      Comparator

	mu      sync.Mutex
	sub     remote.Subscription
	unsub   func()
	cancel  context.CancelFunc
	entries map[string]Entry
	nextSeq int
}

// New creates a roster synchronizer. profiles may be nil, which disables
// member snapshot propagation.
func New(store remote.Store, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, profiles ProfileSource, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:    store,
		session:  sess,
		loop:     loop,
		tracker:  tracker,
		bus:      b,
		profiles: profiles,
		logger:   logger,
		cmp:      Insertion,
		entries:  make(map[string]Entry),
	}
}

// SetComparator replaces the list ordering. Takes effect on the next
// Chats call.
func (s *Synchronizer) SetComparator(cmp Comparator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmp != nil {
		s.cmp = cmp
	}
}

// Start opens the chats subscription for uid and begins propagating own
// profile changes into chat member snapshots.
func (s *Synchronizer) Start(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}

	epoch := s.session.Epoch()
	s.tracker.SetLoading(status.SourceRoster)

	sub, err := s.store.Subscribe(context.Background(), remote.ChatsCollection,
		remote.Filter{remote.Contains("memberIds", uid)},
		func(d remote.Delta) {
			s.loop.Post(func() { s.apply(epoch, d) })
		})
	if err != nil {
		s.tracker.SetError(status.SourceRoster, err)
		s.logger.Error("roster subscribe failed", zap.Error(err), zap.String("user_id", uid))
		return
	}
	s.sub = sub

	// Own profile re-emissions fan back out into the denormalized member
	// snapshots of every chat in the roster.
	if s.bus != nil && s.profiles != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		ch, unsub := s.bus.Subscribe("profile.", 16)
		s.unsub = unsub
		go func() {
			for {
				select {
				case <-ch:
					s.loop.Post(func() { s.propagateProfile(ctx, epoch, uid) })
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop cancels the subscription and clears the reconciled list. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	s.sub.Cancel()
	s.sub = nil
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.entries = make(map[string]Entry)
	s.nextSeq = 0
	s.publish()
}

// Chats returns the reconciled chat list in the configured order.
func (s *Synchronizer) Chats() []model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	cmp := s.cmp
	sort.SliceStable(ordered, func(i, j int) bool { return cmp(ordered[i], ordered[j]) })

	chats := make([]model.Chat, len(ordered))
	for i, e := range ordered {
		chats[i] = e.Chat
	}
	return chats
}

// Get returns the reconciled chat with the given id.
func (s *Synchronizer) Get(chatID string) (model.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[chatID]
	return e.Chat, ok
}

// apply reconciles one delta on the sequencing loop: replace-by-key for
// added and modified chats, delete for removed ones.
func (s *Synchronizer) apply(epoch uint64, d remote.Delta) {
	if s.session.Epoch() != epoch {
		return
	}
	if d.Err != nil {
		s.tracker.SetError(status.SourceRoster, d.Err)
		s.logger.Warn("roster subscription error", zap.Error(d.Err))
		return
	}

	s.mu.Lock()
	for _, doc := range append(d.Added, d.Modified...) {
		var c model.Chat
		if err := json.Unmarshal(doc.Data, &c); err != nil {
			s.logger.Warn("malformed chat document", zap.Error(err), zap.String("key", doc.Key))
			continue
		}
		c.ChatID = doc.Key
		if prev, ok := s.entries[doc.Key]; ok {
			s.entries[doc.Key] = Entry{Chat: c, Seq: prev.Seq}
		} else {
			s.entries[doc.Key] = Entry{Chat: c, Seq: s.nextSeq}
			s.nextSeq++
		}
	}
	for _, key := range d.Removed {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	s.tracker.SetIdle(status.SourceRoster)
	s.publish()
}

// propagateProfile rewrites the current user's member snapshot in every
// chat where it has drifted from the latest profile.
func (s *Synchronizer) propagateProfile(ctx context.Context, epoch uint64, uid string) {
	if s.session.Epoch() != epoch {
		return
	}
	p, ok := s.profiles.Profile()
	if !ok || p.UserID != uid {
		return
	}
	self := model.Member{
		UserID:    p.UserID,
		Name:      p.Name,
		Phone:     p.Phone,
		AvatarURL: p.AvatarURL,
	}

	s.mu.Lock()
	var stale []model.Chat
	for _, e := range s.entries {
		for _, m := range e.Chat.Members {
			if m.UserID == uid && m != self {
				stale = append(stale, e.Chat)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		members := make([]model.Member, len(c.Members))
		for i, m := range c.Members {
			if m.UserID == uid {
				members[i] = self
			} else {
				members[i] = m
			}
		}
		err := s.store.Write(ctx, remote.ChatsCollection, c.ChatID,
			map[string]any{"members": members}, remote.WithMerge())
		if err != nil {
			s.logger.Warn("member snapshot refresh failed", zap.Error(err), zap.String("chat_id", c.ChatID))
		}
	}
}

func (s *Synchronizer) publish() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.KindRosterUpdated, nil)
}
