// Package auth implements user accounts, password hashing, and bearer
// tokens (spec §4.14): nothing in the teacher repo does this (it
// hardcodes MQTT broker credentials in messanger/mqtt_broker.go), so
// this package is built fresh, using the pack's
// golang.org/x/crypto/argon2 dependency for password hashing the way
// the rest of the ecosystem corpus does it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/rustyeddy/homehub/internal/errs"
)

// Argon2id parameters (RFC 9106's "recommended" parameterization for
// its second option: 12 MiB, 3 iterations, 1 degree of parallelism is
// the low-memory profile; the hub runs on constrained devices per
// spec.md's target footprint, so these favor memory over iterations).
const (
	argonTime    = 3
	argonMemory  = 12 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
	tokenLen     = 32 // 256 bits, encoded base64 for the bearer value

	// MinAuthFailureDelay is the floor on every failed-auth response
	// time (spec §7: a fixed delay defeats username-enumeration timing
	// attacks). Enforced with a timer, never a sleep taken under lock.
	MinAuthFailureDelay = 100 * time.Millisecond
)

// User is one account record. PasswordHash/Salt are argon2id output;
// the plaintext password is never retained.
type User struct {
	Username     string
	PasswordHash []byte
	Salt         []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

type token struct {
	username  string
	createdAt time.Time
}

// ServiceAccount is a plaintext username/password pair minted once for
// a non-human caller that needs a password rather than a bearer token
// (the embedded MQTT broker's ledger - spec §4.7's auth hook). The
// plaintext is handed back exactly once, at mint time; only its
// argon2id hash is retained afterward.
type ServiceAccount struct {
	Username string
	Password string
}

// Service holds every account and live bearer token. The zero value is
// not usable; use New.
type Service struct {
	log *slog.Logger

	mu     sync.RWMutex
	users  map[string]*User
	tokens map[string]*token // key: hex(sha256(raw token))
}

// New creates an empty Service.
func New(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:    log,
		users:  make(map[string]*User),
		tokens: make(map[string]*token),
	}
}

// Bootstrap ensures at least one admin account exists. If none do, it
// creates "admin" with a freshly generated random password, logs the
// creation once at Warn level (spec §4.14: "admin bootstrap with a loud
// slog.Warn on default-credential creation") naming the account but not
// the password, and returns the account with its password so the
// caller (hub startup) can surface it. Returns ok=false if an
// admin account already existed, in which case the zero ServiceAccount
// is returned.
func (s *Service) Bootstrap() (ServiceAccount, bool, error) {
	s.mu.Lock()
	for _, u := range s.users {
		if u.IsAdmin {
			s.mu.Unlock()
			return ServiceAccount{}, false, nil
		}
	}
	s.mu.Unlock()

	password, err := randomPassword()
	if err != nil {
		return ServiceAccount{}, false, err
	}
	if err := s.CreateUser("admin", password, true); err != nil {
		return ServiceAccount{}, false, err
	}
	s.log.Warn("auth: bootstrapped default admin account with a generated password; rotate it immediately", "username", "admin")
	return ServiceAccount{Username: "admin", Password: password}, true, nil
}

// CreateUser hashes password and stores a new account. Returns
// errs.Conflict if username already exists.
func (s *Service) CreateUser(username, password string, isAdmin bool) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return errs.New(errs.Conflict, "user %q already exists", username)
	}
	s.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now(),
	}
	return nil
}

// NewServiceAccount mints a random password for username, stores its
// hash like any other account (so it can later authenticate through
// the same path), and returns the plaintext once.
func (s *Service) NewServiceAccount(username string) (ServiceAccount, error) {
	password, err := randomPassword()
	if err != nil {
		return ServiceAccount{}, err
	}
	if err := s.CreateUser(username, password, false); err != nil {
		return ServiceAccount{}, err
	}
	return ServiceAccount{Username: username, Password: password}, nil
}

// Authenticate checks username/password, always taking at least
// MinAuthFailureDelay to return on failure regardless of which check
// failed (spec §7), via a timer rather than blocking inside the lock.
func (s *Service) Authenticate(username, password string) bool {
	start := time.Now()
	ok := s.authenticate(username, password)
	if !ok {
		if remaining := MinAuthFailureDelay - time.Since(start); remaining > 0 {
			<-time.After(remaining)
		}
	}
	return ok
}

func (s *Service) authenticate(username, password string) bool {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	hash := argon2.IDKey([]byte(password), u.Salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(hash, u.PasswordHash) == 1
}

// IssueToken mints a new opaque bearer token for username, returning
// its plaintext (base64url) exactly once; only the SHA-256 hash is
// retained.
func (s *Service) IssueToken(username string) (string, error) {
	s.mu.RLock()
	_, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return "", errs.New(errs.NotFound, "unknown user %q", username)
	}

	raw := make([]byte, tokenLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.tokens[tokenKey(plaintext)] = &token{username: username, createdAt: time.Now()}
	s.mu.Unlock()

	return plaintext, nil
}

// VerifyToken reports the username a live bearer token was issued to,
// or ok=false if it's unknown/revoked.
func (s *Service) VerifyToken(plaintext string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenKey(plaintext)]
	if !ok {
		return "", false
	}
	return t.username, true
}

// RevokeToken invalidates a previously issued bearer token. Safe to
// call on an unknown token.
func (s *Service) RevokeToken(plaintext string) {
	s.mu.Lock()
	delete(s.tokens, tokenKey(plaintext))
	s.mu.Unlock()
}

// ExportUsers returns every account record, for persistence by the
// config package. Password hashes travel, plaintext never does.
func (s *Service) ExportUsers() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out
}

// ImportUsers loads account records previously produced by
// ExportUsers, replacing none of the existing table but adding to it
// (a record whose Username already exists overwrites it).
func (s *Service) ImportUsers(users []User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		cp := u
		s.users[u.Username] = &cp
	}
}

// TokenRecord is one live bearer token, as persisted/restored by the
// config package. Plaintext of the token itself is never retained -
// only its SHA-256 hash - so a token surviving a restart must have
// been captured by the caller before persisting; tokens exported this
// way are therefore looked up by their hash, not reissued.
type TokenRecord struct {
	Hash      string
	Username  string
	CreatedAt time.Time
}

// ExportTokens returns every live token record for persistence.
func (s *Service) ExportTokens() []TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TokenRecord, 0, len(s.tokens))
	for hash, t := range s.tokens {
		out = append(out, TokenRecord{Hash: hash, Username: t.username, CreatedAt: t.createdAt})
	}
	return out
}

// ImportTokens restores token records previously produced by
// ExportTokens.
func (s *Service) ImportTokens(records []TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.tokens[r.Hash] = &token{username: r.Username, createdAt: r.CreatedAt}
	}
}

func tokenKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomPassword() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
