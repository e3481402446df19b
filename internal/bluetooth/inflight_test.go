package bluetooth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInFlightSet_TryAddRejectsDuplicate(t *testing.T) {
	s := NewInFlightSet()
	assert.True(t, s.TryAdd("AA:BB:CC:DD:EE:FF"))
	assert.False(t, s.TryAdd("AA:BB:CC:DD:EE:FF"), "second add for the same MAC must fail")
	assert.Equal(t, 1, s.Len())
}

func TestInFlightSet_RemoveAllowsReAdd(t *testing.T) {
	s := NewInFlightSet()
	mac := "11:22:33:44:55:66"
	require := assert.New(t)
	require.True(s.TryAdd(mac))
	s.Remove(mac)
	require.False(s.Contains(mac))
	require.True(s.TryAdd(mac), "mac should be addable again after Remove")
}

func TestInFlightSet_ConcurrentTryAddOnlyOneWinner(t *testing.T) {
	s := NewInFlightSet()
	mac := "DE:AD:BE:EF:00:01"

	const workers = 32
	var wg sync.WaitGroup
	wins := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			wins[idx] = s.TryAdd(mac)
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "exactly one concurrent TryAdd for the same MAC must succeed")
}

func TestNewConnectQueue_HasGenerousBuffer(t *testing.T) {
	q := NewConnectQueue()
	sent := 0
	for {
		select {
		case q <- ConnectJob{mac: "AA:AA:AA:AA:AA:AA"}:
			sent++
		default:
			assert.Greater(t, sent, 1000, "queue should buffer far more than a handful of jobs without blocking")
			return
		}
	}
}
