// Package cache provides an optional Redis-backed store for ATP bearer tokens.
//
// The token endpoint hands out short-lived credentials. Keeping them in Redis
// lets back-to-back runs (cron, ad hoc re-pulls) skip the token request until
// the token expires or an appliance rejects it.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.NewTokenKey("atp1.example.com", encodedAuth)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// request a new token, then:
//		_ = manager.Set(ctx, key, cache.NewTokenEntry(token, expiresIn))
//	}
//
// A rejected token must be dropped with Delete before requesting a new one.
//
// # Keys
//
// Keys embed a hash of the encoded client credentials, so rotating a client
// secret never reuses a token issued for the old one:
//
//	atp:token:atp1.example.com:3f2a9c0d1e4b5a67
package cache
