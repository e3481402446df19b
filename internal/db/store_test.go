package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "recon.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strp(s string) *string { return &s }

func TestSaveDevice_InsertThenExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.SaveDevice(ctx, SaveParams{MAC: "aa:bb:cc:dd:ee:ff", Name: strp("Widget")})
	require.NoError(t, err)

	exists, err = s.Exists(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := s.DetectionCount(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestSaveDevice_AgingWindow verifies detection_count increments only when
// at least detectionCountAgingWindow has elapsed since the last bump.
func TestSaveDevice_AgingWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mac := "11:22:33:44:55:66"

	err := s.SaveDevice(ctx, SaveParams{MAC: mac, Name: strp("Thing")})
	require.NoError(t, err)

	t0 := time.Now()

	// Re-observed 5 minutes later: still inside the aging window, count must
	// not change.
	soon := t0.Add(5 * time.Minute).Format("2006-01-02 15:04:05")
	err = s.SaveDevice(ctx, SaveParams{MAC: mac, UpdateExisting: true, Timestamp: &soon, RSSI: intp(-60)})
	require.NoError(t, err)

	count, err := s.DetectionCount(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Re-observed past the window: count must bump.
	later := t0.Add(31 * time.Minute).Format("2006-01-02 15:04:05")
	err = s.SaveDevice(ctx, SaveParams{MAC: mac, UpdateExisting: true, Timestamp: &later, RSSI: intp(-55)})
	require.NoError(t, err)

	count, err = s.DetectionCount(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// TestSaveDevice_NilFieldsDoNotOverwrite verifies fields omitted from an
// update must not clobber previously stored values.
func TestSaveDevice_NilFieldsDoNotOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mac := "DE:AD:BE:EF:00:01"

	err := s.SaveDevice(ctx, SaveParams{MAC: mac, Name: strp("Original"), RSSI: intp(-50)})
	require.NoError(t, err)

	ts := time.Now().Add(time.Hour).Format("2006-01-02 15:04:05")
	err = s.SaveDevice(ctx, SaveParams{MAC: mac, UpdateExisting: true, Timestamp: &ts})
	require.NoError(t, err)

	var name string
	var rssi int
	row := s.db.QueryRowContext(ctx, `SELECT name, rssi FROM devices WHERE mac = ?`, mac)
	require.NoError(t, row.Scan(&name, &rssi))
	assert.Equal(t, "Original", name)
	assert.Equal(t, -50, rssi)
}

func TestUpsertGATTDump_AndServiceOf(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mac := "CA:FE:BA:BE:00:01"

	err := s.SaveDevice(ctx, SaveParams{MAC: mac, Name: strp("Tag")})
	require.NoError(t, err)

	has, err := s.HasGattServices(ctx, mac)
	require.NoError(t, err)
	assert.False(t, has)

	err = s.UpsertGATTDump(ctx, mac, "Service: 1800\n")
	require.NoError(t, err)

	has, err = s.HasGattServices(ctx, mac)
	require.NoError(t, err)
	assert.True(t, has)

	dump, err := s.ServiceOf(ctx, mac)
	require.NoError(t, err)
	assert.Contains(t, dump, "1800")
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDevice(ctx, SaveParams{MAC: "00:00:00:00:00:01", Name: strp("Named")}))
	require.NoError(t, s.SaveDevice(ctx, SaveParams{MAC: "00:00:00:00:00:02", Name: strp("Unknown")}))
	require.NoError(t, s.UpsertGATTDump(ctx, "00:00:00:00:00:01", "Service: 1800\n"))
	require.NoError(t, s.SaveDevice(ctx, SaveParams{MAC: "00:00:00:00:00:01", ServiceList: strp("Service: 1800\n"), UpdateExisting: true}))

	total, named, withService, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, named)
	assert.Equal(t, 1, withService)
}

func intp(v int) *int { return &v }
