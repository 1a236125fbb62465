package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := NewSweeper(time.Second, nil, nil, nil)
	require.Error(t, err)

	_, err = NewSweeper(0, f.coord, f.patterns, nil)
	require.Error(t, err)
}

func TestSweeperLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	s, err := NewSweeper(10*time.Millisecond, f.coord, f.patterns, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start must be rejected")

	s.Stop()
	s.Stop() // idempotent

	require.NoError(t, s.Start(), "restart after stop")
	s.Stop()
}

func TestSweeperExpiresStaleDecisions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Initiate(ctx, intrusivePopup("old"), 1)
	require.NoError(t, err)

	// Timers never fired; only the sweep can reap this entry.
	f.clock.Set(f.clock.Now().Add(25 * time.Hour))

	s, err := NewSweeper(5*time.Millisecond, f.coord, f.patterns, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return f.coord.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Choice{ChoiceExpired}, f.store.completedChoices())
}
