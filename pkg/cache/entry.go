package cache

import (
	"time"
)

// ExpirySkew is subtracted from the lifetime reported by the token endpoint
// so a cached token is never handed out moments before it lapses.
const ExpirySkew = 30 * time.Second

// TokenEntry is a cached bearer token.
type TokenEntry struct {
	// AccessToken is the bearer credential returned by the token endpoint.
	AccessToken string `json:"access_token"`

	// Expires is when the entry stops being served (issue time + expires_in - ExpirySkew).
	Expires time.Time `json:"expires"`

	// CachedAt is when the token was stored.
	CachedAt time.Time `json:"cached_at"`
}

// NewTokenEntry builds an entry for a token valid for expiresIn seconds.
// Tokens without a usable lifetime produce an entry that is already expired,
// which Set skips.
func NewTokenEntry(accessToken string, expiresIn int) *TokenEntry {
	now := time.Now()
	return &TokenEntry{
		AccessToken: accessToken,
		Expires:     now.Add(time.Duration(expiresIn)*time.Second - ExpirySkew),
		CachedAt:    now,
	}
}

// IsExpired returns true if the entry has expired.
func (e *TokenEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *TokenEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
