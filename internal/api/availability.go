package api

import (
	"context"
	"net/url"
	"strings"

	"github.com/rickgao/ovh-sniper/internal/model"
)

const availabilitiesPath = "/dedicated/server/datacenter/availabilities"

// Endpoint classes used by the client. They match the rate limit config keys.
const (
	ClassAvailability = "availability"
	ClassOrder        = "order"
	ClassCatalog      = "catalog"
	ClassTime         = "time"
)

// GetAvailabilities fetches availability entries. An empty planCode lists
// the whole catalog.
func (c *Client) GetAvailabilities(ctx context.Context, planCode string) ([]Availability, error) {
	class := ClassAvailability
	query := url.Values{}
	if planCode != "" {
		query.Set("planCode", planCode)
	} else {
		class = ClassCatalog
	}

	var resp []Availability
	if err := c.get(ctx, class, availabilitiesPath, query, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Observation is the normalized availability of one watch target.
type Observation struct {
	State model.AvailabilityState
	Raw   string // provider value for the matched datacenter, "" when absent
}

// CheckAvailability queries the provider for t and normalizes the result.
func (c *Client) CheckAvailability(ctx context.Context, t model.WatchTarget) (Observation, error) {
	entries, err := c.GetAvailabilities(ctx, t.PlanCode)
	if err != nil {
		return Observation{}, err
	}
	return Normalize(t, entries), nil
}

// Normalize reduces provider entries to a single state for t. The target is
// available if any entry matching its plan and option filters reports a
// usable value for its datacenter.
func Normalize(t model.WatchTarget, entries []Availability) Observation {
	obs := Observation{State: model.StateUnavailable}
	dc := model.NormalizeDatacenter(t.Datacenter)

	for _, e := range entries {
		if e.PlanCode != t.PlanCode {
			continue
		}
		if t.Memory != "" && e.Memory != t.Memory {
			continue
		}
		if t.Storage != "" && e.Storage != t.Storage {
			continue
		}
		for _, d := range e.Datacenters {
			if model.NormalizeDatacenter(d.Datacenter) != dc {
				continue
			}
			if IsAvailable(d.Availability) {
				return Observation{State: model.StateAvailable, Raw: d.Availability}
			}
			if obs.Raw == "" {
				obs.Raw = d.Availability
			}
		}
	}
	return obs
}

// IsAvailable reports whether a provider availability value means stock.
// Anything other than "unavailable" counts, including lead-time values.
func IsAvailable(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "unavailable")
}
