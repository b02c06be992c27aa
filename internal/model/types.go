package model

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credential is the OVH application credential plus the site secret.
type Credential struct {
	AppKey      string // OVH application key (X-Ovh-Application)
	AppSecret   string // OVH application secret, used for signing only
	ConsumerKey string // OVH consumer key (X-Ovh-Consumer)
	SiteSecret  string // Local secret for sealing values at rest
}

// String redacts secrets so a Credential never reaches a log in plaintext.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{AppKey:%s AppSecret:%s ConsumerKey:%s SiteSecret:%s}",
		mask(c.AppKey), redact(c.AppSecret), mask(c.ConsumerKey), redact(c.SiteSecret))
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("app_key", mask(c.AppKey)),
		slog.String("consumer_key", mask(c.ConsumerKey)),
	)
}

// Complete reports whether every field needed for signed calls is set.
func (c Credential) Complete() bool {
	return c.AppKey != "" && c.AppSecret != "" && c.ConsumerKey != ""
}

func mask(s string) string {
	if len(s) <= 4 {
		return redact(s)
	}
	return s[:4] + "****"
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// -----------------------------------------------------------------------------
// Watch targets
// -----------------------------------------------------------------------------

// AvailabilityState is the last observed stock state of a watch target.
type AvailabilityState string

const (
	StateUnknown     AvailabilityState = "unknown"
	StateUnavailable AvailabilityState = "unavailable"
	StateAvailable   AvailabilityState = "available"
)

// Valid reports whether s is one of the known states.
func (s AvailabilityState) Valid() bool {
	switch s {
	case StateUnknown, StateUnavailable, StateAvailable:
		return true
	}
	return false
}

// Datacenters lists the OVH zones a dedicated server can be ordered in.
var Datacenters = []string{
	"bhs", "fra", "gra", "hil", "lon", "rbx", "sbg", "sgp", "syd", "vin", "waw", "ynm", "mum",
}

// NormalizeDatacenter lower-cases and trims a zone code.
func NormalizeDatacenter(dc string) string {
	return strings.ToLower(strings.TrimSpace(dc))
}

// IsDatacenter reports whether dc is a known OVH zone.
func IsDatacenter(dc string) bool {
	dc = NormalizeDatacenter(dc)
	for _, d := range Datacenters {
		if d == dc {
			return true
		}
	}
	return false
}

// WatchTarget is a user-configured (plan, datacenter) pair to monitor.
type WatchTarget struct {
	ID         string // Primary key (UUIDv5 of the natural key)
	PlanCode   string // OVH plan code
	Datacenter string // OVH zone, lower case
	Memory     string // Optional memory option filter (e.g., "ram-32g-ecc-2133")
	Storage    string // Optional storage option filter
	ServerName string // Friendly name shown in notifications

	DesiredQuantity int  // Ceiling on units to order
	Ordered         int  // Units confirmed so far
	Active          bool // Inactive targets are neither polled nor ordered
	AutoOrder       bool // false = notify only

	NotifyAvailable   bool
	NotifyUnavailable bool

	LastKnownState AvailabilityState
	CooldownUntil  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns how many units are still wanted.
func (t WatchTarget) Remaining() int {
	if r := t.DesiredQuantity - t.Ordered; r > 0 {
		return r
	}
	return 0
}

// InCooldown reports whether the target is excluded from polling and ordering at now.
func (t WatchTarget) InCooldown(now time.Time) bool {
	return t.CooldownUntil != nil && now.Before(*t.CooldownUntil)
}

// DisplayName returns "PLAN@dc" with the friendly name when present.
func (t WatchTarget) DisplayName() string {
	name := t.PlanCode + "@" + t.Datacenter
	if t.ServerName != "" {
		name += " (" + t.ServerName + ")"
	}
	return name
}

// OptionsDisplay renders the memory/storage filter as "memory + storage".
func (t WatchTarget) OptionsDisplay() string {
	if t.Memory == "" && t.Storage == "" {
		return ""
	}
	memory, storage := t.Memory, t.Storage
	if memory == "" {
		memory = "N/A"
	}
	if storage == "" {
		storage = "N/A"
	}
	return memory + " + " + storage
}

// targetNamespace scopes watch target IDs.
var targetNamespace = uuid.MustParse("6f2a3c1e-8d4b-5e7f-9a0b-1c2d3e4f5a6b")

// TargetID derives the stable ID for a watch target's natural key.
func TargetID(planCode, datacenter, memory, storage string) string {
	key := strings.Join([]string{
		strings.TrimSpace(planCode),
		NormalizeDatacenter(datacenter),
		strings.TrimSpace(memory),
		strings.TrimSpace(storage),
	}, "|")
	return uuid.NewSHA1(targetNamespace, []byte(key)).String()
}

// AvailabilityEvent is an edge-triggered stock change for one target.
type AvailabilityEvent struct {
	WatchID    string
	State      AvailabilityState
	ObservedAt time.Time
	Raw        string // Provider availability string (e.g., "1H-high")
}

// HistoryEntry records a state change of a target.
type HistoryEntry struct {
	WatchID  string
	At       time.Time
	OldState AvailabilityState
	NewState AvailabilityState
	Raw      string
}

// MaxHistory is the number of history entries kept per target.
const MaxHistory = 100

// -----------------------------------------------------------------------------
// Order attempts
// -----------------------------------------------------------------------------

// Outcome is the result of an order attempt.
type Outcome string

const (
	OutcomePending     Outcome = "pending"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTransient   Outcome = "transient" // gave up after timeouts/network errors
)

// Terminal reports whether o is a recorded final outcome.
func (o Outcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

// OrderAttempt is a single submission against the order endpoint.
type OrderAttempt struct {
	WatchID          string
	AttemptID        int64
	Token            string // Idempotency token derived from (WatchID, AttemptID)
	SubmittedAt      time.Time
	CompletedAt      *time.Time
	Outcome          Outcome
	Reason           string
	ProviderOrderRef string
	Discarded        bool // Target was removed while the attempt was in flight
}

// attemptNamespace scopes idempotency tokens.
var attemptNamespace = uuid.MustParse("0b7e2f44-3a91-5c6d-8e1f-2a3b4c5d6e7f")

// AttemptToken derives the idempotency token for an attempt.
func AttemptToken(watchID string, attemptID int64) string {
	return uuid.NewSHA1(attemptNamespace, []byte(fmt.Sprintf("%s/%d", watchID, attemptID))).String()
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// NotificationKind classifies a notification.
type NotificationKind string

const (
	NotifyAvailable      NotificationKind = "available"
	NotifyUnavailable    NotificationKind = "unavailable"
	NotifyOrderSubmitted NotificationKind = "order_submitted"
	NotifyOrderSucceeded NotificationKind = "order_succeeded"
	NotifyOrderFailed    NotificationKind = "order_failed"
	NotifyRateLimited    NotificationKind = "rate_limited"
	NotifyAuthFailed     NotificationKind = "auth_failed"
	NotifyNewServer      NotificationKind = "new_server"
)

// Notification is an event emitted to the notification sinks.
type Notification struct {
	Kind      NotificationKind
	WatchID   string
	Detail    string
	Timestamp time.Time
	Target    *WatchTarget // Snapshot for message rendering, may be nil
	Raw       string       // Provider availability string, when relevant
}
