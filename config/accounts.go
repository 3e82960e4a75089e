package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/homehub/auth"
)

// jsonUser is users.json's on-disk shape: PasswordHash/Salt are
// base64-less raw bytes, which encoding/json renders as base64
// automatically for []byte fields.
type jsonUser struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash"`
	Salt         []byte    `json:"salt"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

type jsonToken struct {
	Hash      string    `json:"hash"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadUsers reads users.json (normally Config.UsersPath) into svc. A
// missing file is a no-op, not an error - a fresh CONFIG_DIR has no
// accounts until auth.Service.Bootstrap creates one.
func LoadUsers(path string, svc *auth.Service) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var records []jsonUser
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("config: parse users.json: %w", err)
	}
	users := make([]auth.User, 0, len(records))
	for _, r := range records {
		users = append(users, auth.User{
			Username:     r.Username,
			PasswordHash: r.PasswordHash,
			Salt:         r.Salt,
			IsAdmin:      r.IsAdmin,
			CreatedAt:    r.CreatedAt,
		})
	}
	svc.ImportUsers(users)
	return nil
}

// SaveUsers writes every account in svc to path, hashed fields only -
// plaintext passwords are never available to save (spec §4.14).
func SaveUsers(path string, svc *auth.Service) error {
	users := svc.ExportUsers()
	records := make([]jsonUser, 0, len(users))
	for _, u := range users {
		records = append(records, jsonUser{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Salt:         u.Salt,
			IsAdmin:      u.IsAdmin,
			CreatedAt:    u.CreatedAt,
		})
	}
	return writeJSONAtomic(path, records)
}

// LoadTokens reads auth_tokens.json into svc. A missing file is a
// no-op.
func LoadTokens(path string, svc *auth.Service) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var records []jsonToken
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("config: parse auth_tokens.json: %w", err)
	}
	tokens := make([]auth.TokenRecord, 0, len(records))
	for _, r := range records {
		tokens = append(tokens, auth.TokenRecord{Hash: r.Hash, Username: r.Username, CreatedAt: r.CreatedAt})
	}
	svc.ImportTokens(tokens)
	return nil
}

// SaveTokens writes every live bearer token (by hash, never plaintext)
// to path.
func SaveTokens(path string, svc *auth.Service) error {
	tokens := svc.ExportTokens()
	records := make([]jsonToken, 0, len(tokens))
	for _, t := range tokens {
		records = append(records, jsonToken{Hash: t.Hash, Username: t.Username, CreatedAt: t.CreatedAt})
	}
	return writeJSONAtomic(path, records)
}

// writeJSONAtomic marshals v and writes it to path via a temp file +
// rename, so a crash mid-write never leaves a truncated
// users.json/auth_tokens.json/areas.json behind.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename %s: %w", tmp, err)
	}
	return nil
}
