package util

import (
	"regexp"
	"strings"
	"time"
)

var macAddressRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

func IsMACAddress(s string) bool {
	return macAddressRe.MatchString(strings.TrimSpace(s))
}

// SafeName returns localName unless it's empty or looks like a MAC address
// pretending to be a name (some stacks echo the address back as the local
// name when the peripheral doesn't advertise one).
func SafeName(localName string) string {
	name := strings.TrimSpace(localName)
	if name == "" || IsMACAddress(name) {
		return "Unknown"
	}
	return name
}

func NowTimestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

const hexDigits = "0123456789abcdef"

// BytesToHex renders b as space-separated lower-case hex pairs, matching the
// format stored alongside manufacturer/service-data blobs in the database.
func BytesToHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(hexDigits[v>>4])
		sb.WriteByte(hexDigits[v&0x0f])
	}
	return sb.String()
}
