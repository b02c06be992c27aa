package registry

import (
	"errors"
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// ErrInvalidTarget wraps validation failures of a watch target.
var ErrInvalidTarget = errors.New("invalid watch target")

// newValidator returns a validator with the watch target rules registered.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(watchTargetStructValidation, model.WatchTarget{})
	return v
}

func watchTargetStructValidation(sl validatorv10.StructLevel) {
	t := sl.Current().Interface().(model.WatchTarget)

	if strings.TrimSpace(t.PlanCode) == "" {
		sl.ReportError(t.PlanCode, "plan_code", "PlanCode", "required", "")
	}
	if !model.IsDatacenter(t.Datacenter) {
		sl.ReportError(t.Datacenter, "datacenter", "Datacenter", "datacenter", t.Datacenter)
	}
	if t.DesiredQuantity < 1 {
		sl.ReportError(t.DesiredQuantity, "desired_quantity", "DesiredQuantity", "min", "1")
	}
	if t.Ordered < 0 {
		sl.ReportError(t.Ordered, "ordered", "Ordered", "min", "0")
	}
	if t.LastKnownState != "" && !t.LastKnownState.Valid() {
		sl.ReportError(t.LastKnownState, "last_known_state", "LastKnownState", "oneof", string(t.LastKnownState))
	}
}

// validateTarget checks t and flattens validator errors into one message.
func validateTarget(v *validatorv10.Validate, t model.WatchTarget) error {
	err := v.Struct(t)
	if err == nil {
		return nil
	}

	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s (%s)", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidTarget, strings.Join(msgs, "; "))
}

// normalize fills derived fields of a new or re-added target.
func normalize(t model.WatchTarget) model.WatchTarget {
	t.PlanCode = strings.TrimSpace(t.PlanCode)
	t.Datacenter = model.NormalizeDatacenter(t.Datacenter)
	t.Memory = strings.TrimSpace(t.Memory)
	t.Storage = strings.TrimSpace(t.Storage)
	if t.ID == "" {
		t.ID = model.TargetID(t.PlanCode, t.Datacenter, t.Memory, t.Storage)
	}
	if t.LastKnownState == "" {
		t.LastKnownState = model.StateUnknown
	}
	return t
}
