package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

const timeLayout = "2006-01-02 15:04:05"

// Render formats n as a human-readable multi-line message.
func Render(n model.Notification) string {
	var b strings.Builder
	t := n.Target
	if t == nil {
		t = &model.WatchTarget{ID: n.WatchID}
	}

	switch n.Kind {
	case model.NotifyAvailable:
		b.WriteString("🎉 Server available!\n\n")
		writeTarget(&b, t)
		if opts := t.OptionsDisplay(); opts != "" {
			fmt.Fprintf(&b, "Config: %s\n", opts)
			fmt.Fprintf(&b, "├─ Memory: %s\n", orNA(t.Memory))
			fmt.Fprintf(&b, "└─ Storage: %s\n", orNA(t.Storage))
		}
		fmt.Fprintf(&b, "Status: %s\n", orNA(n.Raw))
		writeTime(&b, n.Timestamp)
		b.WriteString("\n💡 Go grab it!")

	case model.NotifyUnavailable:
		b.WriteString("📦 Server sold out\n\n")
		writeTarget(&b, t)
		if opts := t.OptionsDisplay(); opts != "" {
			fmt.Fprintf(&b, "Config: %s\n", opts)
		}
		b.WriteString("Status: out of stock\n")
		writeTime(&b, n.Timestamp)

	case model.NotifyNewServer:
		b.WriteString("🆕 New server listed!\n\n")
		fmt.Fprintf(&b, "Plan: %s\n", orNA(t.PlanCode))
		fmt.Fprintf(&b, "Name: %s\n", orNA(t.ServerName))
		fmt.Fprintf(&b, "Memory: %s\n", orNA(t.Memory))
		fmt.Fprintf(&b, "Storage: %s\n", orNA(t.Storage))
		writeTime(&b, n.Timestamp)
		b.WriteString("\n💡 Take a look!")

	default:
		fmt.Fprintf(&b, "%s %s\n\n", kindIcon(n.Kind), kindTitle(n.Kind))
		writeTarget(&b, t)
		if n.Detail != "" {
			fmt.Fprintf(&b, "Detail: %s\n", n.Detail)
		}
		writeTime(&b, n.Timestamp)
	}

	return strings.TrimRight(b.String(), "\n")
}

func writeTarget(b *strings.Builder, t *model.WatchTarget) {
	if t.ServerName != "" {
		fmt.Fprintf(b, "Server: %s\n", t.ServerName)
	}
	if t.PlanCode != "" {
		fmt.Fprintf(b, "Plan: %s\n", t.PlanCode)
		fmt.Fprintf(b, "Datacenter: %s\n", t.Datacenter)
	} else if t.ID != "" {
		fmt.Fprintf(b, "Watch: %s\n", t.ID)
	}
}

func writeTime(b *strings.Builder, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(b, "Time: %s\n", at.Format(timeLayout))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func kindIcon(k model.NotificationKind) string {
	switch k {
	case model.NotifyOrderSubmitted:
		return "🛒"
	case model.NotifyOrderSucceeded:
		return "✅"
	case model.NotifyOrderFailed:
		return "❌"
	case model.NotifyRateLimited:
		return "⏳"
	case model.NotifyAuthFailed:
		return "🔑"
	}
	return "ℹ️"
}

func kindTitle(k model.NotificationKind) string {
	switch k {
	case model.NotifyOrderSubmitted:
		return "Order submitted"
	case model.NotifyOrderSucceeded:
		return "Order placed"
	case model.NotifyOrderFailed:
		return "Order failed"
	case model.NotifyRateLimited:
		return "Rate limited"
	case model.NotifyAuthFailed:
		return "Credential rejected"
	}
	return string(k)
}
