package dispute

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusOpen, StatusUnderReview}:     true,
		{StatusOpen, StatusResolved}:        true,
		{StatusUnderReview, StatusResolved}: true,
		{StatusResolved, StatusClosed}:      true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(0, StatusOpen))
	assert.False(t, CanTransition(StatusOpen, Status(9)))
}

func TestStatus_Active(t *testing.T) {
	assert.True(t, StatusOpen.Active())
	assert.True(t, StatusUnderReview.Active())
	assert.False(t, StatusResolved.Active())
	assert.False(t, StatusClosed.Active())
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("appealed")
	assert.Error(t, err)

	_, err = Status(0).MarshalText()
	assert.Error(t, err)
}
