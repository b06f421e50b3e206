// Package profile keeps the current user's profile document in sync and
// mediates profile edits and avatar uploads.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
)

// ErrNotAuthenticated is returned by write operations while logged out.
var ErrNotAuthenticated = session.ErrNotAuthenticated

// Synchronizer subscribes to the authenticated user's profile document.
// Writes go remote-first: the local snapshot only changes when the
// subscription re-emits the stored document, so the observable state always
// reflects what is durable, never what was merely requested.
type Synchronizer struct {
	store   remote.Store
	blob    remote.Blob
	session *session.Session
	loop    *session.Loop
	tracker *status.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	sub     remote.Subscription
	current model.UserProfile
	loaded  bool
}

// New creates a profile synchronizer.
func New(store remote.Store, blob remote.Blob, sess *session.Session, loop *session.Loop, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:   store,
		blob:    blob,
		session: sess,
		loop:    loop,
		tracker: tracker,
		bus:     b,
		logger:  logger,
	}
}

// Start opens the subscription for uid's profile document. No-op while a
// subscription is already live.
func (s *Synchronizer) Start(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}

	epoch := s.session.Epoch()
	s.tracker.SetLoading(status.SourceProfile)

	sub, err := s.store.Subscribe(context.Background(), remote.UsersCollection,
		remote.Filter{remote.Eq("userId", uid)},
		func(d remote.Delta) {
			s.loop.Post(func() { s.apply(epoch, uid, d) })
		})
	if err != nil {
		s.tracker.SetError(status.SourceProfile, err)
		s.logger.Error("profile subscribe failed", zap.Error(err), zap.String("user_id", uid))
		return
	}
	s.sub = sub
}

// Stop cancels the subscription and clears the snapshot. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return
	}
	s.sub.Cancel()
	s.sub = nil
	s.current = model.UserProfile{}
	s.loaded = false
	s.publish()
}

// Profile returns the latest reconciled snapshot. The second return value is
// false until the first snapshot arrives.
func (s *Synchronizer) Profile() (model.UserProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.loaded
}

// Update merges name and phone into the remote profile document without
// clobbering the avatar URL. The caller suspends until the store
// acknowledges; the snapshot updates when the write is observed back.
func (s *Synchronizer) Update(ctx context.Context, name, phone string) error {
	uid, ok := s.session.CurrentUserID()
	if !ok {
		return ErrNotAuthenticated
	}

	err := s.store.Write(ctx, remote.UsersCollection, uid, map[string]any{
		"name":  name,
		"phone": model.NormalizePhone(phone),
	}, remote.WithMerge())
	if err != nil {
		s.tracker.SetError(status.SourceProfile, err)
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// UploadAvatar pushes the image bytes to the blob store, then merges the
// returned URL into the profile document.
func (s *Synchronizer) UploadAvatar(ctx context.Context, image []byte) (string, error) {
	uid, ok := s.session.CurrentUserID()
	if !ok {
		return "", ErrNotAuthenticated
	}

	url, err := s.blob.Upload(ctx, image)
	if err != nil {
		s.tracker.SetError(status.SourceProfile, err)
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	err = s.store.Write(ctx, remote.UsersCollection, uid, map[string]any{
		"avatarUrl": url,
	}, remote.WithMerge())
	if err != nil {
		s.tracker.SetError(status.SourceProfile, err)
		return "", fmt.Errorf("write avatar url: %w", err)
	}
	return url, nil
}

// apply reconciles one delta on the sequencing loop. Deltas from a previous
// session epoch are discarded.
func (s *Synchronizer) apply(epoch uint64, uid string, d remote.Delta) {
	if s.session.Epoch() != epoch {
		return
	}
	if d.Err != nil {
		s.tracker.SetError(status.SourceProfile, d.Err)
		s.logger.Warn("profile subscription error", zap.Error(d.Err))
		return
	}

	changed := false
	for _, doc := range append(d.Added, d.Modified...) {
		if doc.Key != uid {
			continue
		}
		var p model.UserProfile
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			s.logger.Warn("malformed profile document", zap.Error(err), zap.String("key", doc.Key))
			continue
		}
		s.mu.Lock()
		s.current = p
		s.loaded = true
		s.mu.Unlock()
		changed = true
	}

	if changed {
		s.tracker.SetIdle(status.SourceProfile)
		s.publish()
	}
}

func (s *Synchronizer) publish() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.KindProfileUpdated, nil)
}
