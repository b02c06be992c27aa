// Package auth provides the OVH credential store and request signing.
//
// The credential is held as a versioned, swappable value. Each outbound call
// takes one Snapshot and signs with it, so a rotation never splits a request
// across two credentials.
package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// ErrUnauthorized is reported when the provider rejects the credential.
var ErrUnauthorized = errors.New("unauthorized")

// Header names used by the OVH API.
const (
	HeaderApplication = "X-Ovh-Application"
	HeaderConsumer    = "X-Ovh-Consumer"
	HeaderTimestamp   = "X-Ovh-Timestamp"
	HeaderSignature   = "X-Ovh-Signature"
)

// LoadCredentials validates and assembles a credential.
func LoadCredentials(appKey, appSecret, consumerKey, siteSecret string) (model.Credential, error) {
	if appKey == "" {
		return model.Credential{}, fmt.Errorf("application key is required")
	}
	if appSecret == "" {
		return model.Credential{}, fmt.Errorf("application secret is required")
	}
	if consumerKey == "" {
		return model.Credential{}, fmt.Errorf("consumer key is required")
	}
	return model.Credential{
		AppKey:      appKey,
		AppSecret:   appSecret,
		ConsumerKey: consumerKey,
		SiteSecret:  siteSecret,
	}, nil
}

// Snapshot is one version of the credential, used for a single call.
type Snapshot struct {
	Credential model.Credential
	Version    uint64
}

// Store holds the current credential.
type Store struct {
	current atomic.Pointer[Snapshot]
	invalid atomic.Uint64 // version reported unauthorized, 0 = none
}

// NewStore creates a store holding c as version 1.
func NewStore(c model.Credential) *Store {
	s := &Store{}
	s.current.Store(&Snapshot{Credential: c, Version: 1})
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() Snapshot {
	return *s.current.Load()
}

// Version returns the current credential version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version
}

// Update swaps in a new credential and returns its version.
func (s *Store) Update(c model.Credential) uint64 {
	for {
		old := s.current.Load()
		next := &Snapshot{Credential: c, Version: old.Version + 1}
		if s.current.CompareAndSwap(old, next) {
			return next.Version
		}
	}
}

// Invalidate marks version as rejected by the provider. It returns true only
// for the call that made the change, so callers can report a rejection once.
// A version the credential has already been rotated past is ignored.
func (s *Store) Invalidate(version uint64) bool {
	if s.Version() != version {
		return false
	}
	for {
		cur := s.invalid.Load()
		if cur >= version {
			return false
		}
		if s.invalid.CompareAndSwap(cur, version) {
			return true
		}
	}
}

// IsValid reports whether the current credential is complete and has not
// been rejected.
func (s *Store) IsValid() bool {
	snap := s.current.Load()
	return snap.Credential.Complete() && s.invalid.Load() != snap.Version
}

// SignRequest generates authentication headers for an OVH API request.
// fullURL must include the query string; timestamp is the provider's clock in seconds.
func (s Snapshot) SignRequest(method, fullURL, body string, timestamp int64) map[string]string {
	ts := strconv.FormatInt(timestamp, 10)
	return map[string]string{
		HeaderApplication: s.Credential.AppKey,
		HeaderConsumer:    s.Credential.ConsumerKey,
		HeaderTimestamp:   ts,
		HeaderSignature:   Signature(s.Credential, method, fullURL, body, ts),
	}
}

// Signature computes "$1$" + SHA1(secret+consumer+method+url+body+timestamp), joined by "+".
func Signature(c model.Credential, method, fullURL, body, timestamp string) string {
	message := strings.Join([]string{c.AppSecret, c.ConsumerKey, method, fullURL, body, timestamp}, "+")
	sum := sha1.Sum([]byte(message))
	return "$1$" + hex.EncodeToString(sum[:])
}
