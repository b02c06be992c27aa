package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/rickgao/ovh-sniper/internal/model"
)

func testCredential() model.Credential {
	return model.Credential{
		AppKey:      "app-key",
		AppSecret:   "app-secret",
		ConsumerKey: "consumer-key",
		SiteSecret:  "site",
	}
}

func TestSignature(t *testing.T) {
	c := testCredential()
	got := Signature(c, "GET", "https://eu.api.ovh.com/1.0/me", "", "1700000000")

	sum := sha1.Sum([]byte("app-secret+consumer-key+GET+https://eu.api.ovh.com/1.0/me++1700000000"))
	want := "$1$" + hex.EncodeToString(sum[:])
	if got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}
}

func TestSnapshot_SignRequest(t *testing.T) {
	s := NewStore(testCredential())
	headers := s.Get().SignRequest("POST", "https://eu.api.ovh.com/1.0/order/cart", `{"a":1}`, 1700000000)

	if headers[HeaderApplication] != "app-key" {
		t.Errorf("%s = %q, want %q", HeaderApplication, headers[HeaderApplication], "app-key")
	}
	if headers[HeaderConsumer] != "consumer-key" {
		t.Errorf("%s = %q, want %q", HeaderConsumer, headers[HeaderConsumer], "consumer-key")
	}
	if headers[HeaderTimestamp] != "1700000000" {
		t.Errorf("%s = %q", HeaderTimestamp, headers[HeaderTimestamp])
	}
	if !strings.HasPrefix(headers[HeaderSignature], "$1$") || len(headers[HeaderSignature]) != 43 {
		t.Errorf("%s = %q, want $1$ + 40 hex chars", HeaderSignature, headers[HeaderSignature])
	}
}

func TestLoadCredentials(t *testing.T) {
	tests := []struct {
		name                 string
		key, secret, consume string
		wantErr              string
	}{
		{"complete", "k", "s", "c", ""},
		{"missing key", "", "s", "c", "application key is required"},
		{"missing secret", "k", "", "c", "application secret is required"},
		{"missing consumer", "k", "s", "", "consumer key is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredentials(tt.key, tt.secret, tt.consume, "")
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestStore_UpdateAndInvalidate(t *testing.T) {
	s := NewStore(testCredential())

	if v := s.Version(); v != 1 {
		t.Fatalf("Version() = %d, want 1", v)
	}
	if !s.IsValid() {
		t.Fatal("new store with complete credential should be valid")
	}

	if !s.Invalidate(1) {
		t.Fatal("Invalidate(1) = false, want true")
	}
	if s.IsValid() {
		t.Error("store should be invalid after Invalidate")
	}
	if s.Invalidate(1) {
		t.Error("second Invalidate(1) = true, want false")
	}

	rotated := testCredential()
	rotated.ConsumerKey = "new-consumer"
	if v := s.Update(rotated); v != 2 {
		t.Errorf("Update() version = %d, want 2", v)
	}
	if !s.IsValid() {
		t.Error("store should be valid after rotation")
	}
	if got := s.Get().Credential.ConsumerKey; got != "new-consumer" {
		t.Errorf("ConsumerKey = %q, want %q", got, "new-consumer")
	}

	// A stale version cannot invalidate the rotated credential.
	if s.Invalidate(1) {
		t.Error("Invalidate(stale) = true, want false")
	}
	if !s.IsValid() {
		t.Error("stale invalidate should not affect current version")
	}
}

func TestStore_IncompleteIsInvalid(t *testing.T) {
	s := NewStore(model.Credential{AppKey: "k"})
	if s.IsValid() {
		t.Error("incomplete credential should not be valid")
	}
}

func TestStore_ConcurrentUpdate(t *testing.T) {
	s := NewStore(testCredential())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(testCredential())
			_ = s.Get()
		}()
	}
	wg.Wait()

	if v := s.Version(); v != 51 {
		t.Errorf("Version() = %d, want 51", v)
	}
}
