package bluetooth

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// InterfaceInfo is the (interface_id, bus_tag) pair this agent needs per
// radio: an hciN identifier to hand to the rest of the Bluetooth stack, and
// a best-effort bus label (USB/UART/PCI/SDIO/Virtual) for the adapter
// picker prompt.
type InterfaceInfo struct {
	ID      string
	BusInfo string
}

var (
	hciHeaderRe = regexp.MustCompile(`^(hci\d+):`)
	busTagRe    = regexp.MustCompile(`Bus:\s*(USB|UART|PCI|SDIO|Virtual)`)
	hciOnlyRe   = regexp.MustCompile(`^hci\d+$`)
)

// GetBluetoothInterfaces enumerates host HCI controllers via sysfs (primary
// source) and enriches each with `hciconfig`'s bus info (best-effort;
// `hciconfig` also backstops enumeration on hosts without a populated
// /sys/class/bluetooth). Sub-devices such as "hci0:1" are filtered out.
func GetBluetoothInterfaces() ([]InterfaceInfo, error) {
	byID := map[string]InterfaceInfo{}

	for _, p := range sysfsControllers() {
		byID[p] = InterfaceInfo{ID: p}
	}

	for id, bus := range hciconfigBusInfo() {
		if !hciOnlyRe.MatchString(id) {
			continue
		}
		inf := byID[id]
		inf.ID = id
		inf.BusInfo = bus
		byID[id] = inf
	}

	out := make([]InterfaceInfo, 0, len(byID))
	for _, inf := range byID {
		out = append(out, inf)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := hciIndex(out[i].ID), hciIndex(out[j].ID)
		if ai != aj {
			return ai < aj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sysfsControllers() []string {
	matches, _ := filepath.Glob("/sys/class/bluetooth/hci*")
	out := make([]string, 0, len(matches))
	for _, p := range matches {
		id := strings.TrimSpace(filepath.Base(p))
		if hciOnlyRe.MatchString(id) {
			out = append(out, id)
		}
	}
	return out
}

// hciconfigBusInfo parses plain `hciconfig` output (no flags) into
// id -> bus-tag pairs. Errors running the binary are swallowed: this is a
// supplemental enrichment source, not the primary enumeration path.
func hciconfigBusInfo() map[string]string {
	out, err := exec.Command("hciconfig").CombinedOutput()
	if err != nil {
		return nil
	}

	result := map[string]string{}
	cur, bus := "", ""
	flush := func() {
		if cur != "" {
			result[cur] = bus
		}
		cur, bus = "", ""
	}

	for _, raw := range bytes.Split(out, []byte{'\n'}) {
		line := strings.TrimSpace(string(bytes.TrimRight(raw, "\r")))
		if line == "" {
			flush()
			continue
		}
		if m := hciHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = m[1]
		}
		if cur != "" && bus == "" {
			if m := busTagRe.FindStringSubmatch(line); m != nil {
				bus = m[1]
			}
		}
	}
	flush()
	return result
}

func hciIndex(id string) int {
	n := strings.TrimPrefix(strings.TrimSpace(id), "hci")
	i, err := strconv.Atoi(n)
	if err != nil {
		return 1 << 30
	}
	return i
}
