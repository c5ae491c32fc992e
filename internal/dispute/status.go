package dispute

import (
	"fmt"

	"github.com/gigmarket/trustcore/internal/apperr"
)

// Status is the lifecycle state of a dispute. The zero value is invalid.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusUnderReview
	StatusResolved
	StatusClosed

	numStatuses = int(StatusClosed) + 1
)

var statusNames = [numStatuses]string{
	StatusOpen:        "open",
	StatusUnderReview: "under_review",
	StatusResolved:    "resolved",
	StatusClosed:      "closed",
}

// AllStatuses lists every valid status in declaration order.
var AllStatuses = []Status{StatusOpen, StatusUnderReview, StatusResolved, StatusClosed}

var transitions = [numStatuses][numStatuses]bool{
	StatusOpen: {
		StatusUnderReview: true,
		StatusResolved:    true,
	},
	StatusUnderReview: {
		StatusResolved: true,
	},
	StatusResolved: {
		StatusClosed: true,
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return transitions[from][to]
}

func (s Status) Valid() bool {
	return s >= StatusOpen && s <= StatusClosed
}

// Active reports whether the dispute still accepts evidence and a ruling.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
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
	return 0, apperr.Validation("status", fmt.Sprintf("unknown dispute status %q", name))
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("dispute: invalid status %d", uint8(s))
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
