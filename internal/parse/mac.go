package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	separatorRe = regexp.MustCompile(`[\s:\-.]`)
	hexRe       = regexp.MustCompile(`^[0-9A-F]{12}$`)
	slaveIDRe   = regexp.MustCompile(`^ESP32_SLAVE_((?:[0-9A-F]{2}_){5}[0-9A-F]{2})$`)
)

// SlaveIDPrefix is prepended to the MAC of a remote relay box to build its device id.
const SlaveIDPrefix = "ESP32_SLAVE_"

// NormalizeMAC accepts "aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabb.ccdd.eeff"
// or 12 bare hex digits and returns the uppercase colon-separated form.
func NormalizeMAC(raw string) (string, error) {
	s := strings.ToUpper(separatorRe.ReplaceAllString(strings.TrimSpace(raw), ""))
	if !hexRe.MatchString(s) {
		return "", fmt.Errorf("invalid MAC address: %q", raw)
	}

	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, s[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// SlaveDeviceID derives the device id of a remote relay box from its MAC,
// e.g. ESP32_SLAVE_AA_BB_CC_DD_EE_FF.
func SlaveDeviceID(mac string) (string, error) {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		return "", err
	}
	return SlaveIDPrefix + strings.ReplaceAll(norm, ":", "_"), nil
}

// MACFromSlaveID is the inverse of SlaveDeviceID.
func MACFromSlaveID(deviceID string) (string, bool) {
	m := slaveIDRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(deviceID)))
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], "_", ":"), true
}
