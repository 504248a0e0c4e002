package rttmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testCfg() Config {
	return Config{MinRTO: 200 * time.Millisecond, MaxRTO: 60 * time.Second, OutageThreshold: 3}
}

func TestSeedAndSample(t *testing.T) {
	m := New(testCfg(), nil)
	m.Seed(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, m.SRTT())
	m.OnSample(120 * time.Millisecond)
	assert.Greater(t, m.SRTT(), 100*time.Millisecond)
	assert.Less(t, m.SRTT(), 120*time.Millisecond)
}

func TestRTOClamped(t *testing.T) {
	m := New(testCfg(), nil)
	assert.Equal(t, 200*time.Millisecond, m.RTO()) // no samples yet: floor

	m.Seed(1 * time.Millisecond)
	assert.GreaterOrEqual(t, m.RTO(), 200*time.Millisecond)

	m.Seed(1000 * time.Second) // absurd sample forces clamp to MaxRTO
	assert.Equal(t, 60*time.Second, m.RTO())
}

func TestOutageDeclaredAfterThreshold(t *testing.T) {
	m := New(testCfg(), nil)
	m.Seed(50 * time.Millisecond)
	assert.False(t, m.OnRTOExpired())
	assert.False(t, m.OnRTOExpired())
	assert.True(t, m.OnRTOExpired()) // third consecutive expiry crosses threshold=3
	assert.True(t, m.InOutage())
}

func TestFirstAckClearsOutage(t *testing.T) {
	m := New(testCfg(), nil)
	m.Seed(50 * time.Millisecond)
	m.OnRTOExpired()
	m.OnRTOExpired()
	m.OnRTOExpired()
	require := assert.New(t)
	require.True(m.InOutage())
	m.OnSample(55 * time.Millisecond)
	require.False(m.InOutage())
}

func TestMinRTTTracksLowestSample(t *testing.T) {
	m := New(testCfg(), nil)
	m.Seed(100 * time.Millisecond)
	m.OnSample(80 * time.Millisecond)
	m.OnSample(90 * time.Millisecond)
	assert.Equal(t, 80*time.Millisecond, m.MinRTT())
}
