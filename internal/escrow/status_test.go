package escrow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/apperr"
)

func TestCanTransition_Table(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusFunded}:    true,
		{StatusPending, StatusCancelled}: true,
		{StatusFunded, StatusReleased}:   true,
		{StatusFunded, StatusRefunded}:   true,
		{StatusFunded, StatusDisputed}:   true,
		{StatusDisputed, StatusFunded}:   true,
		{StatusDisputed, StatusReleased}: true,
		{StatusDisputed, StatusRefunded}: true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := legal[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_InvalidStatus(t *testing.T) {
	assert.False(t, CanTransition(0, StatusFunded))
	assert.False(t, CanTransition(StatusPending, Status(42)))
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		leaves := false
		for _, to := range AllStatuses {
			leaves = leaves || CanTransition(s, to)
		}
		assert.Equal(t, !leaves, s.Terminal(), s.String())
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatus("delivered")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStatus_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusDisputed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"disputed"}`, string(b))

	var out struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"funded"}`), &out))
	assert.Equal(t, StatusFunded, out.Status)

	_, err = json.Marshal(struct{ S Status }{Status(0)})
	assert.Error(t, err)
}
