package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMAC(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Colon separated", raw: "aa:bb:cc:dd:ee:ff", expected: "AA:BB:CC:DD:EE:FF"},
		{name: "Dash separated", raw: "AA-BB-CC-DD-EE-01", expected: "AA:BB:CC:DD:EE:01"},
		{name: "Dotted Cisco form", raw: "aabb.ccdd.eeff", expected: "AA:BB:CC:DD:EE:FF"},
		{name: "Bare hex with spaces", raw: "  a1b2c3d4e5f6 ", expected: "A1:B2:C3:D4:E5:F6"},
		{name: "Too short", raw: "AA:BB:CC", expectErr: true},
		{name: "Non hex", raw: "GG:BB:CC:DD:EE:FF", expectErr: true},
		{name: "Empty", raw: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeMAC(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSlaveDeviceID(t *testing.T) {
	id, err := SlaveDeviceID("aa:bb:cc:dd:ee:ff")
	assert.NoError(t, err)
	assert.Equal(t, "ESP32_SLAVE_AA_BB_CC_DD_EE_FF", id)

	mac, ok := MACFromSlaveID(id)
	assert.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", mac)

	_, err = SlaveDeviceID("not-a-mac")
	assert.Error(t, err)

	_, ok = MACFromSlaveID("ESP32_MASTER_01")
	assert.False(t, ok)
}
