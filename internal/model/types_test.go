package model

import (
	"strings"
	"testing"
	"time"
)

func TestTargetID(t *testing.T) {
	a := TargetID("24ska01", "GRA", "", "")
	b := TargetID(" 24ska01 ", "gra", "", "")
	if a != b {
		t.Errorf("TargetID not normalized: %q != %q", a, b)
	}

	c := TargetID("24ska01", "rbx", "", "")
	if a == c {
		t.Error("different datacenters produced the same ID")
	}

	d := TargetID("24ska01", "gra", "ram-32g", "")
	if a == d {
		t.Error("memory option did not change the ID")
	}
}

func TestAttemptToken(t *testing.T) {
	tok1 := AttemptToken("w1", 1)
	tok2 := AttemptToken("w1", 1)
	if tok1 != tok2 {
		t.Errorf("AttemptToken not deterministic: %q != %q", tok1, tok2)
	}
	if AttemptToken("w1", 2) == tok1 {
		t.Error("different attempt IDs produced the same token")
	}
	if AttemptToken("w2", 1) == tok1 {
		t.Error("different watch IDs produced the same token")
	}
}

func TestWatchTarget_Remaining(t *testing.T) {
	tests := []struct {
		desired, ordered, want int
	}{
		{1, 0, 1},
		{3, 1, 2},
		{2, 2, 0},
		{1, 5, 0},
	}
	for _, tt := range tests {
		w := WatchTarget{DesiredQuantity: tt.desired, Ordered: tt.ordered}
		if got := w.Remaining(); got != tt.want {
			t.Errorf("Remaining(%d, %d) = %d, want %d", tt.desired, tt.ordered, got, tt.want)
		}
	}
}

func TestWatchTarget_InCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	if (WatchTarget{}).InCooldown(now) {
		t.Error("nil cooldown should not be in cooldown")
	}
	if !(WatchTarget{CooldownUntil: &future}).InCooldown(now) {
		t.Error("future cooldown should be in cooldown")
	}
	if (WatchTarget{CooldownUntil: &past}).InCooldown(now) {
		t.Error("past cooldown should not be in cooldown")
	}
}

func TestCredential_StringRedacts(t *testing.T) {
	c := Credential{
		AppKey:      "abcdef123456",
		AppSecret:   "super-secret",
		ConsumerKey: "consumer-key-xyz",
		SiteSecret:  "site-secret",
	}
	s := c.String()
	for _, secret := range []string{"super-secret", "site-secret", "consumer-key-xyz", "abcdef123456"} {
		if strings.Contains(s, secret) {
			t.Errorf("String() leaks %q: %s", secret, s)
		}
	}
	if !c.Complete() {
		t.Error("Complete() = false, want true")
	}
	if (Credential{AppKey: "k"}).Complete() {
		t.Error("Complete() = true for partial credential")
	}
}

func TestIsDatacenter(t *testing.T) {
	if !IsDatacenter("GRA") {
		t.Error("GRA should be a datacenter")
	}
	if IsDatacenter("mars") {
		t.Error("mars should not be a datacenter")
	}
}

func TestWatchTarget_Display(t *testing.T) {
	w := WatchTarget{PlanCode: "24ska01", Datacenter: "gra", ServerName: "KS-A"}
	if got := w.DisplayName(); got != "24ska01@gra (KS-A)" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := w.OptionsDisplay(); got != "" {
		t.Errorf("OptionsDisplay() = %q, want empty", got)
	}
	w.Memory = "ram-32g"
	if got := w.OptionsDisplay(); got != "ram-32g + N/A" {
		t.Errorf("OptionsDisplay() = %q", got)
	}
}
