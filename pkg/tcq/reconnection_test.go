package tcq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialReconnectionSchedule(t *testing.T) {
	policy := &ExponentialReconnectionPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	schedule := policy.NewSchedule()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, schedule.NextDelay(), "delay %d", i)
	}

	schedule.Reset()
	assert.Equal(t, 100*time.Millisecond, schedule.NextDelay())
}

func TestExponentialReconnectionScheduleWithJitterStaysBounded(t *testing.T) {
	policy := &ExponentialReconnectionPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	schedule := policy.NewSchedule()

	for i := 0; i < 50; i++ {
		d := schedule.NextDelay()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestSchedulesAreIndependent(t *testing.T) {
	policy := &ExponentialReconnectionPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	a := policy.NewSchedule()
	b := policy.NewSchedule()

	a.NextDelay()
	a.NextDelay()
	assert.Equal(t, 10*time.Millisecond, b.NextDelay())
}

func TestConstantReconnectionSchedule(t *testing.T) {
	schedule := (&ConstantReconnectionPolicy{Delay: 250 * time.Millisecond}).NewSchedule()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 250*time.Millisecond, schedule.NextDelay())
	}
}

func TestNewReconnectionPolicy(t *testing.T) {
	p, err := NewReconnectionPolicy(&ReconnectionConfig{Type: ConstantReconnectionType, BaseDelay: 300})
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, p.NewSchedule().NextDelay())

	p, err = NewReconnectionPolicy(&ReconnectionConfig{BaseDelay: 1000, MaxDelay: 60000})
	require.NoError(t, err)
	assert.IsType(t, &ExponentialReconnectionPolicy{}, p)

	_, err = NewReconnectionPolicy(&ReconnectionConfig{Type: "linear"})
	assert.Error(t, err)
}
