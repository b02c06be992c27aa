// Package ratelimit implements the shared outbound call gate and the
// per-target backoff controller.
//
// The Gate:
//   - Holds one token bucket per endpoint class (availability, order, catalog)
//   - Never blocks in Acquire: callers get Granted or Denied(retry_after)
//   - Can be penalised when the provider itself signals throttling
//
// The Backoff controller doubles a target's cooldown on each consecutive
// rate-limited outcome, up to a ceiling, and resets on success.
package ratelimit
