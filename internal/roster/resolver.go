package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
)

// Chat creation failure kinds. Network failures surface as
// remote.ErrUnavailable.
var (
	ErrNoSuchUser = errors.New("roster: no user with that phone number")
	ErrSelfChat   = errors.New("roster: cannot open a chat with yourself")
)

// Resolver turns a phone number into the canonical chat with that user,
// creating the chat document if it does not exist yet.
type Resolver struct {
	store   remote.Store
	session *session.Session
	roster  *Synchronizer
	tracker *status.Tracker
	logger  *zap.Logger
}

// NewResolver creates a chat creation resolver.
func NewResolver(store remote.Store, sess *session.Session, roster *Synchronizer, tracker *status.Tracker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		session: sess,
		roster:  roster,
		tracker: tracker,
		logger:  logger,
	}
}

// CreateChatByPhone resolves phone to a user and returns the canonical chat
// id for that pair, creating the chat document when needed.
//
// The chat document key is the pair key, so the store's upsert-by-key
// semantics enforce uniqueness even when both participants create the chat
// concurrently: the roster check below is an optimization that avoids the
// write, never the source of truth, and a write landing on an existing key
// is success.
func (r *Resolver) CreateChatByPhone(ctx context.Context, phone string) (string, error) {
	uid, ok := r.session.CurrentUserID()
	if !ok {
		return "", session.ErrNotAuthenticated
	}

	target, err := r.lookupByPhone(ctx, model.NormalizePhone(phone))
	if err != nil {
		if !errors.Is(err, ErrNoSuchUser) {
			r.tracker.SetError(status.SourceRoster, err)
		}
		return "", err
	}
	if target.UserID == uid {
		return "", ErrSelfChat
	}

	chatID := model.PairKey(uid, target.UserID)
	if _, ok := r.roster.Get(chatID); ok {
		return chatID, nil
	}

	self, err := r.readProfile(ctx, uid)
	if err != nil {
		r.tracker.SetError(status.SourceRoster, err)
		return "", err
	}

	chat := model.Chat{
		ChatID:    chatID,
		MemberIDs: sortedPair(uid, target.UserID),
		Members:   sortedMembers(memberOf(self), memberOf(target)),
	}
	if err := r.store.Write(ctx, remote.ChatsCollection, chatID, chat); err != nil {
		r.tracker.SetError(status.SourceRoster, err)
		return "", fmt.Errorf("create chat: %w", err)
	}
	r.logger.Info("chat created", zap.String("chat_id", chatID))
	return chatID, nil
}

func (r *Resolver) lookupByPhone(ctx context.Context, phone string) (model.UserProfile, error) {
	if phone == "" {
		return model.UserProfile{}, ErrNoSuchUser
	}
	docs, err := r.store.Query(ctx, remote.UsersCollection, remote.Filter{remote.Eq("phone", phone)})
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("lookup by phone: %w", err)
	}
	if len(docs) == 0 {
		return model.UserProfile{}, ErrNoSuchUser
	}

	var p model.UserProfile
	if err := json.Unmarshal(docs[0].Data, &p); err != nil {
		return model.UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

func (r *Resolver) readProfile(ctx context.Context, uid string) (model.UserProfile, error) {
	raw, err := r.store.Read(ctx, remote.UsersCollection, uid)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("read own profile: %w", err)
	}
	var p model.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.UserProfile{}, fmt.Errorf("decode own profile: %w", err)
	}
	return p, nil
}

func memberOf(p model.UserProfile) model.Member {
	return model.Member{
		UserID:    p.UserID,
		Name:      p.Name,
		Phone:     p.Phone,
		AvatarURL: p.AvatarURL,
	}
}

// sortedPair and sortedMembers keep the document deterministic regardless
// of which participant wrote it.
func sortedPair(a, b string) []string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids
}

func sortedMembers(a, b model.Member) []model.Member {
	if b.UserID < a.UserID {
		a, b = b, a
	}
	return []model.Member{a, b}
}
