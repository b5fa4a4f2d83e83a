package delegation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Caveat kinds understood by the enforcer. Anything outside this set causes
// validation to fail closed.
const (
	CaveatKindMaxAmount        = "max_amount"
	CaveatKindTimeWindow       = "time_window"
	CaveatKindAllowedRecipient = "allowed_recipient"
	CaveatKindMaxRedemptions   = "max_redemptions"
)

var (
	// ErrUnknownCaveatKind is returned when a delegation carries a caveat
	// the enforcer does not understand.
	ErrUnknownCaveatKind = errors.New("unknown caveat kind")

	// ErrCaveatViolation is the base error for a request that a known
	// caveat does not permit.
	ErrCaveatViolation = errors.New("caveat violation")
)

// Caveat is a tagged union: Kind selects which of the typed fields apply.
// Stored as a JSON list on the delegation record.
type Caveat struct {
	Kind string `json:"kind"`

	// max_amount: cap per redemption, in token base units.
	MaxAmount int64 `json:"max_amount,omitempty"`

	// time_window: redemptions allowed only inside [NotBefore, NotAfter].
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`

	// allowed_recipient: transfers may only go to this address.
	Recipient string `json:"recipient,omitempty"`

	// max_redemptions: total number of redemptions the delegation permits.
	MaxRedemptions int `json:"max_redemptions,omitempty"`
}

// ParseCaveats decodes the JSON caveat list stored on a delegation record.
func ParseCaveats(raw string) ([]Caveat, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var caveats []Caveat
	if err := json.Unmarshal([]byte(raw), &caveats); err != nil {
		return nil, fmt.Errorf("invalid caveats payload: %w", err)
	}
	return caveats, nil
}

// EncodeCaveats serializes a caveat list for storage.
func EncodeCaveats(caveats []Caveat) (string, error) {
	data, err := json.Marshal(caveats)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RedemptionRequest is what the enforcer checks a caveat list against.
type RedemptionRequest struct {
	Amount           int64
	Recipient        string
	RedemptionsSoFar int
	Now              time.Time
}

// Enforce validates a redemption request against every caveat on the list.
// Unknown caveat kinds reject the request; an empty list permits it.
func Enforce(caveats []Caveat, req RedemptionRequest) error {
	for _, c := range caveats {
		switch c.Kind {
		case CaveatKindMaxAmount:
			if req.Amount > c.MaxAmount {
				return fmt.Errorf("%w: amount %d exceeds cap %d", ErrCaveatViolation, req.Amount, c.MaxAmount)
			}
		case CaveatKindTimeWindow:
			if c.NotBefore != nil && req.Now.Before(*c.NotBefore) {
				return fmt.Errorf("%w: redemption before authority window opens", ErrCaveatViolation)
			}
			if c.NotAfter != nil && req.Now.After(*c.NotAfter) {
				return fmt.Errorf("%w: authority window expired", ErrCaveatViolation)
			}
		case CaveatKindAllowedRecipient:
			if !strings.EqualFold(strings.TrimSpace(req.Recipient), strings.TrimSpace(c.Recipient)) {
				return fmt.Errorf("%w: recipient %s is not authorized", ErrCaveatViolation, req.Recipient)
			}
		case CaveatKindMaxRedemptions:
			if req.RedemptionsSoFar >= c.MaxRedemptions {
				return fmt.Errorf("%w: redemption count %d reached cap %d", ErrCaveatViolation, req.RedemptionsSoFar, c.MaxRedemptions)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownCaveatKind, c.Kind)
		}
	}
	return nil
}
