package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TokenKey identifies the cached token of one appliance and client credential.
type TokenKey struct {
	// Server is the appliance host name or IP (optionally with port).
	Server string

	// CredentialHash is a short hash of the encoded client credentials.
	CredentialHash string
}

// NewTokenKey derives a key from the server and its base64 client credentials.
// The credentials themselves never appear in Redis.
func NewTokenKey(server, encodedAuth string) TokenKey {
	sum := sha256.Sum256([]byte(encodedAuth))
	return TokenKey{
		Server:         strings.ToLower(strings.TrimSpace(server)),
		CredentialHash: hex.EncodeToString(sum[:])[:16],
	}
}

// String generates the Redis key.
// Format: atp:token:server:hash
func (k TokenKey) String() string {
	parts := []string{"atp", "token", k.Server}
	if k.CredentialHash != "" {
		parts = append(parts, k.CredentialHash)
	}
	return strings.Join(parts, ":")
}
