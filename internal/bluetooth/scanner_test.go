package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEnrichmentCandidate(t *testing.T) {
	cases := []struct {
		name             string
		isConnectAdapter bool
		sessionCount     int
		rssi             int
		want             bool
	}{
		{"all conjuncts satisfied", true, 3, -70, true},
		{"well above thresholds", true, 9, -40, true},
		{"not a connect adapter", false, 9, -40, false},
		{"session count one below threshold", true, 2, -40, false},
		{"rssi one below threshold", true, 3, -71, false},
		{"rssi and session count both below threshold", true, 1, -90, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := isEnrichmentCandidate(c.isConnectAdapter, c.sessionCount, c.rssi)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestJSONOrEmptyArray(t *testing.T) {
	empty := jsonOrEmptyArray([]string{})
	assert.NotNil(t, empty)
	assert.Equal(t, "[]", *empty)

	nonEmpty := jsonOrEmptyArray([]string{"a", "b"})
	assert.Equal(t, `["a","b"]`, *nonEmpty)
}
