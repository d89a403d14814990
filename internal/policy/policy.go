// Package policy decides whether a generation is free or paid and at what price.
// It performs no I/O; the ledger re-validates every decision at reservation time.
package policy

import (
	"errors"
	"fmt"
	"time"

	"genledger/internal/model"
)

var (
	ErrUnknownPreset = errors.New("unknown_preset")
	ErrUnknownKind   = errors.New("unknown_kind")
)

// Prices resolves the price of an audio preset.
type Prices interface {
	AudioPrice(presetID string) (int64, bool)
}

// Rules are the quota and pricing constants.
type Rules struct {
	FreeTextPerDay int
	TextPrice      int64
}

// DefaultRules is three free texts a day, then 19 per text.
var DefaultRules = Rules{FreeTextPerDay: 3, TextPrice: 19}

// Decide returns the charge for spec given the account snapshot.
// Text generations and edits are free while the daily counter is below the cap;
// a counter whose window has elapsed at now counts as zero.
func Decide(acc model.Account, spec model.JobSpec, now time.Time, prices Prices, rules Rules) (model.Charge, error) {
	switch spec.Kind {
	case model.KindText:
		used := acc.FreeUsedToday
		if !now.Before(acc.QuotaResetAt) {
			used = 0
		}
		if used < rules.FreeTextPerDay {
			return model.FreeCharge(), nil
		}
		return PaidText(rules), nil
	case model.KindAudio:
		if prices == nil {
			return model.Charge{}, fmt.Errorf("%w: %q", ErrUnknownPreset, spec.PresetID)
		}
		price, ok := prices.AudioPrice(spec.PresetID)
		if !ok || price <= 0 {
			return model.Charge{}, fmt.Errorf("%w: %q", ErrUnknownPreset, spec.PresetID)
		}
		return model.PaidCharge(price), nil
	default:
		return model.Charge{}, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}

// PaidText is the charge used when a free decision turns out to be stale.
func PaidText(rules Rules) model.Charge {
	return model.PaidCharge(rules.TextPrice)
}
