package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dlemos/pchat/internal/model"
	"github.com/dlemos/pchat/internal/remote"
)

// Auth failure kinds. Network failures surface as remote.ErrUnavailable.
var (
	ErrInvalidCredential = errors.New("session: invalid credential")
	ErrAccountExists     = errors.New("session: account already exists")
	ErrNotAuthenticated  = errors.New("session: not authenticated")
)

// Credentials identify an account.
type Credentials struct {
	Email    string
	Password string
}

// ProfileSeed carries the initial profile fields captured at signup.
type ProfileSeed struct {
	Name  string
	Phone string
}

type credentialDoc struct {
	UserID       string `json:"userId"`
	PasswordHash string `json:"passwordHash"`
}

// Authenticator verifies and creates accounts against the credentials
// collection. Passwords are stored as bcrypt hashes keyed by email.
type Authenticator struct {
	store remote.Store
}

// NewAuthenticator creates an authenticator backed by the given store.
func NewAuthenticator(store remote.Store) *Authenticator {
	return &Authenticator{store: store}
}

// Login verifies the credentials and returns the account's user id.
func (a *Authenticator) Login(ctx context.Context, cred Credentials) (string, error) {
	email, err := normalizeEmail(cred.Email)
	if err != nil || cred.Password == "" {
		return "", ErrInvalidCredential
	}

	raw, err := a.store.Read(ctx, remote.CredentialsCollection, email)
	if errors.Is(err, remote.ErrNotFound) {
		return "", ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}

	var doc credentialDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode credentials: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(doc.PasswordHash), []byte(cred.Password)) != nil {
		return "", ErrInvalidCredential
	}
	return doc.UserID, nil
}

// SignUp creates an account and its seed profile, returning the new user id.
// The profile document is written before the credential document so a login
// that races the signup never observes an account without a profile.
func (a *Authenticator) SignUp(ctx context.Context, cred Credentials, seed ProfileSeed) (string, error) {
	email, err := normalizeEmail(cred.Email)
	if err != nil || cred.Password == "" {
		return "", ErrInvalidCredential
	}

	_, err = a.store.Read(ctx, remote.CredentialsCollection, email)
	if err == nil {
		return "", ErrAccountExists
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return "", fmt.Errorf("read credentials: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	uid := uuid.NewString()
	profile := model.UserProfile{
		UserID: uid,
		Name:   seed.Name,
		Phone:  model.NormalizePhone(seed.Phone),
	}
	if err := a.store.Write(ctx, remote.UsersCollection, uid, profile); err != nil {
		return "", fmt.Errorf("write profile: %w", err)
	}
	if err := a.store.Write(ctx, remote.CredentialsCollection, email, credentialDoc{
		UserID:       uid,
		PasswordHash: string(hash),
	}); err != nil {
		return "", fmt.Errorf("write credentials: %w", err)
	}
	return uid, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidCredential
	}
	return email, nil
}
