package bluetooth

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"pible/internal/util"
)

// adStructureNames maps the AD type octets (Core Spec Supplement, Part A,
// §1) this agent bothers to label. Types it doesn't recognize are still
// recorded, just without a Name.
var adStructureNames = map[byte]string{
	0x01: "Flags",
	0x02: "Incomplete List of 16-bit Service Class UUIDs",
	0x03: "Complete List of 16-bit Service Class UUIDs",
	0x06: "Incomplete List of 128-bit Service Class UUIDs",
	0x07: "Complete List of 128-bit Service Class UUIDs",
	0x08: "Shortened Local Name",
	0x09: "Complete Local Name",
	0x0A: "Tx Power Level",
	0x16: "Service Data - 16-bit UUID",
	0x20: "Service Data - 32-bit UUID",
	0x21: "Service Data - 128-bit UUID",
	0xFF: "Manufacturer Specific Data",
}

const (
	adTypeShortLocalName    = 0x08
	adTypeCompleteLocalName = 0x09
	adTypeTxPowerLevel      = 0x0A
)

type adItem struct {
	TypeHex string `json:"type"`
	Name    string `json:"name,omitempty"`
	DataHex string `json:"data_hex"`
	Text    string `json:"text,omitempty"`
}

// buildAdvertisementJSON assembles four advertisement-related values: the
// raw payload as hex, advertisement_json (decoded + structured fields),
// tx_power, and platform_data (the same JSON text as advJSON). The Scanner
// writes the last three; the raw hex is returned but not stored. advBytes may
// be nil depending on platform/stack (see tinygo.org/x/bluetooth docs), in
// which case only the coarse fields (name/UUIDs/manufacturer/service data
// already parsed by the caller) are recorded.
func buildAdvertisementJSON(
	localName string, serviceUUIDs []string, mfg []manufacturerEntry, svcData []serviceDataEntry, advBytes []byte,
) (advRaw, advJSON, txPower, platformData *string) {
	payload := map[string]any{
		"source":        "tinygo.org/x/bluetooth",
		"local_name":    strings.TrimSpace(localName),
		"service_uuids": serviceUUIDs,
		"manufacturer":  mfg,
		"service_data":  svcData,
	}

	if len(advBytes) > 0 {
		raw := append([]byte(nil), advBytes...)
		rawHex := util.BytesToHex(raw)
		advRaw = &rawHex

		items, txp := decodeADStructures(raw)
		payload["ad_structures"] = items
		payload["adv_hex"] = rawHex
		payload["adv_size"] = len(raw)
		txPower = txp
	}

	if b, err := json.Marshal(payload); err == nil {
		s := string(b)
		platformData, advJSON = &s, &s
	}
	return
}

// decodeADStructures walks the length-prefixed AD structures in a raw
// advertisement payload, surfacing the Tx Power Level value (if present) as
// txPower so the caller can fall back to it when the stack's own RSSI/tx
// power fields are empty.
func decodeADStructures(adv []byte) (items []adItem, txPower *string) {
	for i := 0; i < len(adv); {
		length := int(adv[i])
		if length == 0 || i+1+length > len(adv) {
			break
		}
		adType := adv[i+1]
		data := adv[i+2 : i+1+length]

		item := adItem{
			TypeHex: "0x" + strings.ToUpper(hex.EncodeToString([]byte{adType})),
			Name:    adStructureNames[adType],
			DataHex: util.BytesToHex(data),
		}

		switch {
		case adType == adTypeShortLocalName || adType == adTypeCompleteLocalName:
			item.Text = safeASCII(data)
		case adType == adTypeTxPowerLevel && len(data) >= 1:
			tx := strconv.Itoa(int(int8(data[0])))
			if data[0] < 0x80 {
				tx = "+" + tx
			}
			txPower = &tx
			item.Text = tx
		}

		items = append(items, item)
		i += 1 + length
	}
	return items, txPower
}

func safeASCII(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return ""
		}
	}
	return string(b)
}
