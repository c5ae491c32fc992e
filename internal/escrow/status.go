package escrow

import (
	"fmt"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// Status is the custody state of an escrow. The zero value is invalid.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusFunded
	StatusReleased
	StatusRefunded
	StatusDisputed
	StatusCancelled

	numStatuses = int(StatusCancelled) + 1
)

var statusNames = [numStatuses]string{
	StatusPending:   "pending",
	StatusFunded:    "funded",
	StatusReleased:  "released",
	StatusRefunded:  "refunded",
	StatusDisputed:  "disputed",
	StatusCancelled: "cancelled",
}

// AllStatuses lists every valid status in declaration order.
var AllStatuses = []Status{StatusPending, StatusFunded, StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled}

// transitions is the complete adjacency list. Anything absent is refused.
var transitions = [numStatuses][numStatuses]bool{
	StatusPending: {
		StatusFunded:    true,
		StatusCancelled: true,
	},
	StatusFunded: {
		StatusReleased: true,
		StatusRefunded: true,
		StatusDisputed: true,
	},
	StatusDisputed: {
		StatusFunded:   true,
		StatusReleased: true,
		StatusRefunded: true,
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return transitions[from][to]
}

// Valid reports whether s is one of the declared states.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusCancelled
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// ParseStatus converts a stored or wire name to a Status.
func ParseStatus(name string) (Status, error) {
	for _, s := range AllStatuses {
		if statusNames[s] == name {
			return s, nil
		}
	}
	return 0, apperr.Validation("status", fmt.Sprintf("unknown escrow status %q", name))
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
