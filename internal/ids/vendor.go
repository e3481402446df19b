package ids

import (
	"encoding/csv"
	"io"
	"os"
	"strings"
)

// mergeOUI reads an IEEE-format OUI registry CSV (Registry, Assignment,
// Organization Name, ...) at path and copies Assignment -> Organization
// pairs into dst. A missing file is returned as the open error; the caller
// ignores it, treating both tiers of the registry as optional.
func mergeOUI(dst map[string]string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil { // header
		return err
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(rec) < 3 {
			continue
		}
		oui := normalizeOUI(rec[1])
		org := strings.TrimSpace(rec[2])
		if oui == "" || org == "" {
			continue
		}
		dst[oui] = org
	}
}

func normalizeOUI(raw string) string {
	r := strings.NewReplacer("-", "", ":", "")
	oui := strings.ToUpper(r.Replace(strings.TrimSpace(raw)))
	if len(oui) != 6 {
		return ""
	}
	return oui
}
