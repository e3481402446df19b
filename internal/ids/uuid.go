package ids

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const bleBase = "-0000-1000-8000-00805f9b34fb"

// sigRegistry mirrors the shape of the Bluetooth SIG's published
// service_uuids.yaml / characteristic_uuids.yaml assignment files.
type sigRegistry struct {
	Assignments []sigAssignment `yaml:"uuids"`
}

type sigAssignment struct {
	UUID any    `yaml:"uuid"`
	Name string `yaml:"name"`
}

// mergeUUIDYaml reads a Bluetooth SIG assignment file at path, normalizes
// every UUID to its canonical 128-bit lower-case form, and copies
// UUID -> Name pairs into dst. A missing file is returned as the read error;
// Load ignores it.
func mergeUUIDYaml(dst map[string]string, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var reg sigRegistry
	if err := yaml.Unmarshal(b, &reg); err != nil {
		return err
	}

	for _, a := range reg.Assignments {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		uuid128, err := canonicalUUID(a.UUID)
		if err != nil {
			continue
		}
		dst[uuid128] = name
	}
	return nil
}

// canonicalUUID accepts the handful of shapes the SIG files use for a UUID
// value (a short-form hex string like "0x1800"/"1800", or an already-full
// 128-bit string) and returns the lower-case 128-bit form.
func canonicalUUID(raw any) (string, error) {
	s, ok := shortUUIDString(raw)
	if !ok {
		return "", ErrBadUUID
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return "", ErrBadUUID
	}

	if strings.Count(s, "-") == 4 {
		return s, nil
	}

	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0000%04x"+bleBase, v), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%08x"+bleBase, v), nil
	default:
		return "", ErrBadUUID
	}
}

func shortUUIDString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case int:
		return strconv.FormatInt(int64(v), 16), true
	case int64:
		return strconv.FormatInt(v, 16), true
	case uint16, uint32, uint64:
		return fmt.Sprintf("%x", v), true
	default:
		return "", false
	}
}
