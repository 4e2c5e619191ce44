// ABOUTME: Administrative credential check for cross-owner history operations
// ABOUTME: Compares the X-Admin-Token header against a bcrypt hash from config

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader carries the administrative credential.
const AdminTokenHeader = "X-Admin-Token"

// AdminCredential verifies administrative tokens. A nil or empty credential
// rejects everything.
type AdminCredential struct {
	hash []byte
}

// NewAdminCredential parses a bcrypt hash. An empty hash disables admin access.
func NewAdminCredential(hash string) (*AdminCredential, error) {
	if hash == "" {
		return &AdminCredential{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid admin token hash: %w", err)
	}
	return &AdminCredential{hash: []byte(hash)}, nil
}

// Enabled reports whether an admin hash is configured.
func (c *AdminCredential) Enabled() bool {
	return c != nil && len(c.hash) > 0
}

// Check reports whether token matches the configured hash.
func (c *AdminCredential) Check(token string) bool {
	if !c.Enabled() || token == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword(c.hash, []byte(token))
	return err == nil
}

// HashAdminToken produces the value to put in auth.admin_token_hash.
func HashAdminToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("admin token must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin token: %w", err)
	}
	return string(h), nil
}
