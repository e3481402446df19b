// Package ids resolves the raw identifiers seen on the wire — MAC OUIs and
// Bluetooth SIG UUIDs — into human-readable vendor and service names.
package ids

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrBadUUID = errors.New("bad uuid")

// Resolver answers name lookups for the three identifier spaces a BLE scan
// touches: MAC vendor prefixes, 128-bit service UUIDs, and 128-bit
// characteristic UUIDs. A nil *Resolver is valid: its name lookups return ""
// and its Annotate methods return the UUID unchanged, so callers never need
// a non-nil check before annotating an observation.
type Resolver struct {
	vendors  map[string]string
	services map[string]string
	chars    map[string]string
}

// LoadConfig points Load at the two-tier registry layout this agent expects:
//
//	<DataDir>/default/oui.csv
//	<DataDir>/default/service_uuids.yaml
//	<DataDir>/default/characteristic_uuids.yaml
//	<CustomDir (or DataDir/custom)>/... (same three files, overlaid on top)
type LoadConfig struct {
	DataDir   string
	CustomDir string
}

// source pairs a registry file with the merge function that knows its format.
type source struct {
	relPath string
	merge   func(dst map[string]string, path string) error
}

// Load builds a Resolver from the default registry, then overlays any custom
// entries on top so a deployment can add vendors or UUIDs the built-in
// tables miss. Every file is optional and loaded best-effort: a missing or
// malformed file is skipped rather than treated as fatal, since a fresh
// data/ directory with only some of the three tables is a normal deployment.
// Load returns (nil, nil) when nothing at all was loaded.
func Load(cfg LoadConfig) (*Resolver, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	customDir := cfg.CustomDir
	if customDir == "" {
		customDir = filepath.Join(dataDir, "custom")
	}

	r := &Resolver{
		vendors:  map[string]string{},
		services: map[string]string{},
		chars:    map[string]string{},
	}

	sources := []source{
		{"oui.csv", mergeOUI},
		{"service_uuids.yaml", mergeUUIDYaml},
		{"characteristic_uuids.yaml", mergeUUIDYaml},
	}
	dests := []map[string]string{r.vendors, r.services, r.chars}

	for _, dir := range []string{filepath.Join(dataDir, "default"), customDir} {
		for i, src := range sources {
			_ = src.merge(dests[i], filepath.Join(dir, src.relPath))
		}
	}

	if len(r.vendors) == 0 && len(r.services) == 0 && len(r.chars) == 0 {
		return nil, nil
	}

	// Only demand the custom directory exist when the caller explicitly named one.
	if cfg.CustomDir != "" {
		if _, err := os.Stat(cfg.CustomDir); err != nil {
			return r, err
		}
	}

	return r, nil
}

func (r *Resolver) VendorForMAC(mac string) string {
	if r == nil || len(r.vendors) == 0 {
		return ""
	}
	return r.vendors[macOUI(mac)]
}

func (r *Resolver) ServiceName(uuid string) string {
	return lookup(r, r.services, uuid)
}

func (r *Resolver) CharacteristicName(uuid string) string {
	return lookup(r, r.chars, uuid)
}

func lookup(r *Resolver, table map[string]string, uuid string) string {
	if r == nil || len(table) == 0 {
		return ""
	}
	return table[strings.ToLower(strings.TrimSpace(uuid))]
}

func (r *Resolver) AnnotateServiceUUID(uuid string) string {
	return annotate(uuid, r.ServiceName(uuid))
}

func (r *Resolver) AnnotateCharacteristicUUID(uuid string) string {
	return annotate(uuid, r.CharacteristicName(uuid))
}

func annotate(uuid, name string) string {
	if name == "" {
		return uuid
	}
	return uuid + " (" + name + ")"
}

// macOUI extracts the uppercase 6-hex-digit OUI from a colon- or
// hyphen-delimited MAC address, or "" if mac doesn't look like one.
func macOUI(mac string) string {
	parts := strings.FieldsFunc(mac, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) < 3 {
		return ""
	}
	oui := strings.ToUpper(parts[0] + parts[1] + parts[2])
	if len(oui) != 6 {
		return ""
	}
	return oui
}
