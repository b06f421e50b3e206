package roster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/profile"
	"github.com/dlemos/pchat/internal/remote"
	"github.com/dlemos/pchat/internal/remote/litestore"
	"github.com/dlemos/pchat/internal/session"
	"github.com/dlemos/pchat/internal/status"
)

// client bundles one user's engine instance. Several clients share one
// store, which is how two devices talking to the same backend look.
type client struct {
	loop     *session.Loop
	manager  *session.Manager
	profile  *profile.Synchronizer
	roster   *Synchronizer
	resolver *Resolver
	uid      string
}

func sharedStore(t *testing.T) *litestore.Store {
	t.Helper()
	s, err := litestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T, store *litestore.Store, email, name, phone string) *client {
	t.Helper()
	loop := session.NewLoop()
	t.Cleanup(loop.Close)

	b := bus.New()
	tracker := status.NewTracker(b)
	manager := session.NewManager(session.NewAuthenticator(store), loop, tracker, b, nil)
	prof := profile.New(store, store, manager.Session(), loop, tracker, b, nil)
	ros := New(store, manager.Session(), loop, tracker, b, prof, nil)
	manager.Attach(prof, ros)

	uid, err := manager.SignUp(context.Background(),
		session.Credentials{Email: email, Password: "pw"},
		session.ProfileSeed{Name: name, Phone: phone})
	if err != nil {
		t.Fatal(err)
	}
	return &client{
		loop:     loop,
		manager:  manager,
		profile:  prof,
		roster:   ros,
		resolver: NewResolver(store, manager.Session(), ros, tracker, nil),
		uid:      uid,
	}
}

func waitFor(t *testing.T, clients []*client, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, c := range clients {
			c.loop.Flush()
		}
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for condition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCreateChatByPhone(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	b := newClient(t, store, "b@x.c", "Bob", "222")

	chatID, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	if chatID != model.PairKey(a.uid, b.uid) {
		t.Errorf("chatID = %q, want pair key", chatID)
	}

	// Both rosters converge on the same chat, each seeing the other's
	// profile snapshot.
	waitFor(t, []*client{a, b}, func() bool {
		_, okA := a.roster.Get(chatID)
		_, okB := b.roster.Get(chatID)
		return okA && okB
	})

	chat, _ := b.roster.Get(chatID)
	if other := chat.Other(b.uid); other.UserID != a.uid || other.Name != "Alice" {
		t.Errorf("B sees other = %+v, want Alice", other)
	}
}

func TestCreateChatIdempotent(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	newClient(t, store, "b@x.c", "Bob", "222")

	first, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.resolver.CreateChatByPhone(context.Background(), "+ 2 2 2")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("chat ids differ: %q vs %q", first, second)
	}

	waitFor(t, []*client{a}, func() bool { return len(a.roster.Chats()) > 0 })
	if got := len(a.roster.Chats()); got != 1 {
		t.Errorf("roster has %d chats, want 1", got)
	}
}

func TestCreateChatFromBothSides(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	b := newClient(t, store, "b@x.c", "Bob", "222")

	idA, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	idB, err := b.resolver.CreateChatByPhone(context.Background(), "111")
	if err != nil {
		t.Fatal(err)
	}
	if idA != idB {
		t.Fatalf("pair produced two chats: %q vs %q", idA, idB)
	}

	waitFor(t, []*client{a, b}, func() bool {
		return len(a.roster.Chats()) == 1 && len(b.roster.Chats()) == 1
	})
}

func TestCreateChatErrors(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")

	if _, err := a.resolver.CreateChatByPhone(context.Background(), "999"); !errors.Is(err, ErrNoSuchUser) {
		t.Errorf("err = %v, want ErrNoSuchUser", err)
	}
	if _, err := a.resolver.CreateChatByPhone(context.Background(), "111"); !errors.Is(err, ErrSelfChat) {
		t.Errorf("err = %v, want ErrSelfChat", err)
	}

	a.manager.Logout()
	if _, err := a.resolver.CreateChatByPhone(context.Background(), "111"); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestDuplicateDeltaIsNoOp(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	newClient(t, store, "b@x.c", "Bob", "222")

	chatID, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a}, func() bool { return len(a.roster.Chats()) == 1 })

	// Re-writing the same chat document re-delivers it as a modification;
	// the keyed reconciliation must not grow the list.
	chat, _ := a.roster.Get(chatID)
	if err := store.Write(context.Background(), "chats", chatID, chat); err != nil {
		t.Fatal(err)
	}
	a.loop.Flush()
	if got := len(a.roster.Chats()); got != 1 {
		t.Errorf("roster has %d chats after duplicate delta, want 1", got)
	}
}

func TestOrderingComparators(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	newClient(t, store, "b@x.c", "Bob", "222")
	newClient(t, store, "c@x.c", "Cid", "333")

	first, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.resolver.CreateChatByPhone(context.Background(), "333")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a}, func() bool { return len(a.roster.Chats()) == 2 })

	// Default: insertion order.
	chats := a.roster.Chats()
	if chats[0].ChatID != first || chats[1].ChatID != second {
		t.Errorf("insertion order = [%s %s]", chats[0].ChatID, chats[1].ChatID)
	}

	// Recency order flips once the older chat is the more recently active.
	if err := store.Write(context.Background(), "chats", second,
		map[string]any{"lastActivityAt": int64(100)}, remote.WithMerge()); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(context.Background(), "chats", first,
		map[string]any{"lastActivityAt": int64(200)}, remote.WithMerge()); err != nil {
		t.Fatal(err)
	}
	a.loop.Flush()

	a.roster.SetComparator(ByActivity)
	chats = a.roster.Chats()
	if chats[0].ChatID != first || chats[1].ChatID != second {
		t.Errorf("activity order = [%s %s], want most recent first", chats[0].ChatID, chats[1].ChatID)
	}
}

func TestProfileChangePropagatesToMemberSnapshots(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	b := newClient(t, store, "b@x.c", "Bob", "222")

	chatID, err := a.resolver.CreateChatByPhone(context.Background(), "222")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a, b}, func() bool {
		_, okA := a.roster.Get(chatID)
		_, okB := b.roster.Get(chatID)
		return okA && okB
	})

	// B edits their profile; B's roster rewrites B's member snapshot, and
	// A's roster observes the modified chat document.
	if err := b.profile.Update(context.Background(), "Bob II", "222"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a, b}, func() bool {
		chat, ok := a.roster.Get(chatID)
		return ok && chat.Other(a.uid).Name == "Bob II"
	})
}

// TestAccountSwitchIsolation logs a second account in over a live session
// and verifies none of the first account's state leaks through.
func TestAccountSwitchIsolation(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	newClient(t, store, "b@x.c", "Bob", "222")

	if _, err := a.resolver.CreateChatByPhone(context.Background(), "222"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a}, func() bool { return len(a.roster.Chats()) == 1 })

	// Signing up a fresh account on the same engine replaces the session.
	cid, err := a.manager.SignUp(context.Background(),
		session.Credentials{Email: "c@x.c", Password: "pw"},
		session.ProfileSeed{Name: "Cid", Phone: "333"})
	if err != nil {
		t.Fatal(err)
	}

	if got := len(a.roster.Chats()); got != 0 {
		t.Fatalf("new account inherited %d chats", got)
	}
	waitFor(t, []*client{a}, func() bool {
		p, ok := a.profile.Profile()
		return ok && p.UserID == cid
	})
	if p, _ := a.profile.Profile(); p.Name != "Cid" {
		t.Errorf("profile = %+v, want Cid", p)
	}
	if got := len(a.roster.Chats()); got != 0 {
		t.Errorf("roster has %d chats for fresh account", got)
	}
}

func TestLogoutClearsRoster(t *testing.T) {
	store := sharedStore(t)
	a := newClient(t, store, "a@x.c", "Alice", "111")
	newClient(t, store, "b@x.c", "Bob", "222")

	if _, err := a.resolver.CreateChatByPhone(context.Background(), "222"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, []*client{a}, func() bool { return len(a.roster.Chats()) == 1 })

	a.manager.Logout()
	if got := len(a.roster.Chats()); got != 0 {
		t.Errorf("roster has %d chats after logout, want 0", got)
	}
}
