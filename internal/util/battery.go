package util

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var batteryPctRe = regexp.MustCompile(`(\d{1,3})%`)

// BatteryPercent reports host battery charge as "N%", or "" when the host
// has no battery or neither lookup path is available. Sysfs is tried first
// (cheap, no subprocess); `acpi -b` is the fallback for hosts that expose
// it but not a conventional /sys/class/power_supply node.
func BatteryPercent() string {
	if pct := sysfsBatteryPercent(); pct != "" {
		return pct
	}
	return acpiBatteryPercent()
}

func sysfsBatteryPercent() string {
	matches, _ := filepath.Glob("/sys/class/power_supply/BAT*/capacity")
	if len(matches) == 0 {
		return ""
	}
	b, err := os.ReadFile(matches[0])
	if err != nil {
		return ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return ""
	}
	return strconv.Itoa(n) + "%"
}

func acpiBatteryPercent() string {
	out, err := exec.Command("acpi", "-b").CombinedOutput()
	if err != nil {
		return ""
	}
	m := batteryPctRe.FindStringSubmatch(string(out))
	if m == nil {
		return ""
	}
	return m[1] + "%"
}
