package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dlemos/pchat/internal/remote/litestore"
	"github.com/dlemos/pchat/internal/status"
)

func testAuth(t *testing.T) *Authenticator {
	t.Helper()
	s, err := litestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewAuthenticator(s)
}

func TestSignUpThenLogin(t *testing.T) {
	a := testAuth(t)
	ctx := context.Background()

	cred := Credentials{Email: "Ana@Example.com", Password: "secret"}
	uid, err := a.SignUp(ctx, cred, ProfileSeed{Name: "Ana", Phone: "+55 11 111"})
	if err != nil {
		t.Fatal(err)
	}
	if uid == "" {
		t.Fatal("empty user id")
	}

	// Email lookup is case-insensitive.
	got, err := a.Login(ctx, Credentials{Email: "ana@example.com", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if got != uid {
		t.Errorf("login uid = %q, want %q", got, uid)
	}
}

func TestSignUpDuplicate(t *testing.T) {
	a := testAuth(t)
	ctx := context.Background()

	cred := Credentials{Email: "a@b.c", Password: "x"}
	if _, err := a.SignUp(ctx, cred, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}
	_, err := a.SignUp(ctx, cred, ProfileSeed{})
	if !errors.Is(err, ErrAccountExists) {
		t.Errorf("err = %v, want ErrAccountExists", err)
	}
}

func TestLoginBadPassword(t *testing.T) {
	a := testAuth(t)
	ctx := context.Background()

	cred := Credentials{Email: "a@b.c", Password: "right"}
	if _, err := a.SignUp(ctx, cred, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}

	for _, attempt := range []Credentials{
		{Email: "a@b.c", Password: "wrong"},
		{Email: "nobody@b.c", Password: "right"},
		{Email: "", Password: "right"},
		{Email: "a@b.c", Password: ""},
	} {
		if _, err := a.Login(ctx, attempt); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("Login(%v) err = %v, want ErrInvalidCredential", attempt.Email, err)
		}
	}
}

type fakeSubsystem struct {
	mu      sync.Mutex
	name    string
	log     *[]string
	started bool
}

func (f *fakeSubsystem) Start(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	*f.log = append(*f.log, "start:"+f.name)
}

func (f *fakeSubsystem) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	*f.log = append(*f.log, "stop:"+f.name)
}

func testManager(t *testing.T) (*Manager, *[]string) {
	t.Helper()
	a := testAuth(t)
	loop := NewLoop()
	t.Cleanup(loop.Close)
	m := NewManager(a, loop, status.NewTracker(nil), nil, nil)

	var log []string
	m.Attach(
		&fakeSubsystem{name: "profile", log: &log},
		&fakeSubsystem{name: "roster", log: &log},
		&fakeSubsystem{name: "thread", log: &log},
	)
	return m, &log
}

func TestLoginStartsSubsystemsInOrder(t *testing.T) {
	m, log := testManager(t)
	ctx := context.Background()

	cred := Credentials{Email: "a@b.c", Password: "x"}
	if _, err := m.SignUp(ctx, cred, ProfileSeed{Name: "A"}); err != nil {
		t.Fatal(err)
	}

	want := []string{"start:profile", "start:roster", "start:thread"}
	if len(*log) != len(want) {
		t.Fatalf("log = %v, want %v", *log, want)
	}
	for i := range want {
		if (*log)[i] != want[i] {
			t.Fatalf("log = %v, want %v", *log, want)
		}
	}
	if _, ok := m.CurrentUserID(); !ok {
		t.Error("should be authenticated after signup")
	}
}

func TestLogoutStopsInReverseOrder(t *testing.T) {
	m, log := testManager(t)
	ctx := context.Background()

	if _, err := m.SignUp(ctx, Credentials{Email: "a@b.c", Password: "x"}, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}
	*log = (*log)[:0]

	m.Logout()
	want := []string{"stop:thread", "stop:roster", "stop:profile"}
	if len(*log) != len(want) {
		t.Fatalf("log = %v, want %v", *log, want)
	}
	for i := range want {
		if (*log)[i] != want[i] {
			t.Fatalf("log = %v, want %v", *log, want)
		}
	}
	if _, ok := m.CurrentUserID(); ok {
		t.Error("should be unauthenticated after logout")
	}

	// Logout is idempotent.
	m.Logout()
	if len(*log) != len(want) {
		t.Errorf("second logout changed the log: %v", *log)
	}
}

func TestEpochBumpsOnLifecycleChanges(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	before := m.Session().Epoch()
	if _, err := m.SignUp(ctx, Credentials{Email: "a@b.c", Password: "x"}, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}
	afterLogin := m.Session().Epoch()
	if afterLogin <= before {
		t.Error("login must bump the epoch")
	}

	m.Logout()
	if m.Session().Epoch() <= afterLogin {
		t.Error("logout must bump the epoch")
	}
}

func TestLoginOverLiveSessionTearsDownFirst(t *testing.T) {
	m, log := testManager(t)
	ctx := context.Background()

	if _, err := m.SignUp(ctx, Credentials{Email: "a@b.c", Password: "x"}, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SignUp(ctx, Credentials{Email: "b@b.c", Password: "x"}, ProfileSeed{}); err != nil {
		t.Fatal(err)
	}

	// The second login must stop the first session's subsystems before
	// starting its own.
	want := []string{
		"start:profile", "start:roster", "start:thread",
		"stop:thread", "stop:roster", "stop:profile",
		"start:profile", "start:roster", "start:thread",
	}
	if len(*log) != len(want) {
		t.Fatalf("log = %v, want %v", *log, want)
	}
	for i := range want {
		if (*log)[i] != want[i] {
			t.Fatalf("log = %v, want %v", *log, want)
		}
	}
}

func TestLoopSerializesAndFlushes(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	var out []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { out = append(out, i) })
	}
	loop.Flush()

	if len(out) != 100 {
		t.Fatalf("ran %d closures, want 100", len(out))
	}
	for i, v := range out {
		if v != i {
			t.Fatalf("out[%d] = %d, posts must run in order", i, v)
		}
	}
}

func TestLoopPostAfterClose(t *testing.T) {
	loop := NewLoop()
	loop.Close()
	loop.Close() // idempotent

	loop.Post(func() { t.Error("closure ran after close") })
	loop.Flush()
}
