package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/research-status-relay/internal/store"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "%v outside [%v, %v]", got, before, after)
}

func TestFormatRoundTripsThroughParseTimestamp(t *testing.T) {
	t.Parallel()

	in := time.Date(2025, 3, 14, 9, 26, 53, 589123000, time.FixedZone("EST", -5*3600))
	s := Format(in)
	require.Equal(t, "2025-03-14T14:26:53.589123", s)

	out, err := store.ParseTimestamp(s)
	require.NoError(t, err)
	require.True(t, in.Equal(out))
}

func TestStamp(t *testing.T) {
	t.Parallel()

	_, err := store.ParseTimestamp(New().Stamp())
	require.NoError(t, err)
}
