package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFresh_DisabledAlwaysFalse(t *testing.T) {
	r := New(false, 5)
	r.UpdateLocation(10, 20)
	assert.False(t, r.IsFresh())
}

func TestIsFresh_FreshnessWindow(t *testing.T) {
	r := New(true, 5)
	assert.False(t, r.IsFresh(), "no fix recorded yet")

	r.UpdateLocation(10.0, 20.0)
	assert.True(t, r.IsFresh())
	assert.Equal(t, "10, 20", r.LocationString())
}

func TestWaitForFirstFix(t *testing.T) {
	r := New(true, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.WaitForFirstFix(ctx) }()

	time.Sleep(5 * time.Millisecond)
	r.UpdateLocation(1, 2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForFirstFix did not return after UpdateLocation")
	}
}

func TestAgingMap_ShouldBump(t *testing.T) {
	a := NewAgingMap()
	mac := "AA:BB:CC:DD:EE:FF"
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, a.ShouldBump(mac, t0), "first sighting always bumps")
	assert.False(t, a.ShouldBump(mac, t0.Add(5*time.Minute)), "inside aging window")
	assert.True(t, a.ShouldBump(mac, t0.Add(31*time.Minute)), "past aging window")
}

func TestAgingMap_FlushAndLoad(t *testing.T) {
	a := NewAgingMap()
	mac := "11:22:33:44:55:66"
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.ShouldBump(mac, t0)

	path := filepath.Join(t.TempDir(), "device_last_count_update.txt")
	require.NoError(t, a.Flush(path))

	b := NewAgingMap()
	require.NoError(t, b.Load(path))
	// Within the window relative to the persisted timestamp: must not bump.
	assert.False(t, b.ShouldBump(mac, t0.Add(time.Minute)))
}

func TestAgingMap_LoadMissingFileIsNotError(t *testing.T) {
	a := NewAgingMap()
	err := a.Load(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	assert.NoError(t, err)
}
