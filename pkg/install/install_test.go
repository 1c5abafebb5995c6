package install

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/types"
)

func TestNonZeroReturnsFallbackWhenUnset(t *testing.T) {
	assert.Equal(t, 15*time.Minute, nonZero(0, 15*time.Minute))
	assert.Equal(t, -time.Second, nonZero(0, -time.Second)) // fallback passed through as-is
}

func TestNonZeroKeepsPositiveDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, nonZero(30*time.Second, 15*time.Minute))
}

func TestPublishEmitsEventWithSuccessFlag(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	r := &Runner{bus: bus}
	r.publish(types.EventInstallCompleted, true)

	ev := <-sub
	assert.Equal(t, types.EventInstallCompleted, ev.Kind)
	assert.True(t, ev.InstallSuccessful)
}
