package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestTryAdmit_Window(t *testing.T) {
	tr := New(5 * time.Second)
	require.True(t, tr.TryAdmit("c1", t0).Admitted)

	for _, offset := range []time.Duration{0, time.Millisecond, 2 * time.Second, 5*time.Second - time.Nanosecond} {
		d := tr.TryAdmit("c1", t0.Add(offset))
		require.False(t, d.Admitted, "offset %s", offset)
		require.Equal(t, 5*time.Second-offset, d.RetryAfter)
	}

	require.True(t, tr.TryAdmit("c1", t0.Add(5*time.Second)).Admitted)
}

func TestTryAdmit_DenialDoesNotExtend(t *testing.T) {
	tr := New(5 * time.Second)
	require.True(t, tr.TryAdmit("c1", t0).Admitted)
	require.False(t, tr.TryAdmit("c1", t0.Add(4*time.Second)).Admitted)
	require.True(t, tr.TryAdmit("c1", t0.Add(5*time.Second)).Admitted)
}

func TestTryAdmit_Scenario(t *testing.T) {
	tr := New(5 * time.Second)
	require.True(t, tr.TryAdmit("C1", t0).Admitted)

	d := tr.TryAdmit("C1", t0.Add(2*time.Second))
	require.False(t, d.Admitted)
	require.Equal(t, 3, d.RetryAfterSeconds())

	require.True(t, tr.TryAdmit("C1", t0.Add(5*time.Second)).Admitted)
}

func TestTryAdmit_IsPerConnection(t *testing.T) {
	tr := New(time.Minute)
	require.True(t, tr.TryAdmit("a", t0).Admitted)
	require.True(t, tr.TryAdmit("b", t0).Admitted)
	require.False(t, tr.TryAdmit("a", t0.Add(time.Second)).Admitted)
	require.Equal(t, 2, tr.Len())
}

func TestRelease(t *testing.T) {
	tr := New(time.Minute)
	require.True(t, tr.TryAdmit("a", t0).Admitted)
	tr.Release("a")
	require.Equal(t, 0, tr.Len())
	require.True(t, tr.TryAdmit("a", t0.Add(time.Second)).Admitted, "released connections start fresh")
	tr.Release("unknown")
}

func TestZeroDurationAdmitsEverything(t *testing.T) {
	tr := New(0)
	for i := 0; i < 3; i++ {
		require.True(t, tr.TryAdmit("a", t0).Admitted)
	}
	require.Equal(t, 0, tr.Len())
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	require.Equal(t, 1, Decision{RetryAfter: time.Millisecond}.RetryAfterSeconds())
	require.Equal(t, 3, Decision{RetryAfter: 3 * time.Second}.RetryAfterSeconds())
	require.Equal(t, 0, Decision{Admitted: true, RetryAfter: time.Second}.RetryAfterSeconds())
}
