package bluetooth

import (
	tg "tinygo.org/x/bluetooth"
)

// randomAddressSubtype names the four values the two most-significant bits
// of a random BLE device address can take (Core Spec Vol 6, Part B, 1.3.2).
type randomAddressSubtype struct {
	bits byte
	name string
}

var randomAddressSubtypes = [4]randomAddressSubtype{
	{0b00, "non_resolvable_private"},
	{0b01, "resolvable_private"},
	{0b10, "reserved"},
	{0b11, "static_random"},
}

// ClassifyAddress reports whether addr is a public/unknown address or a
// random one, and, for random addresses, which of the four subtypes it is
// based on its two most-significant bits. sub is "" for public addresses.
func ClassifyAddress(addr tg.Address) (typ, sub string) {
	if !addr.IsRandom() {
		return "public_or_unknown", ""
	}

	raw, err := addr.MAC.MarshalBinary()
	if err != nil || len(raw) == 0 {
		return "random", ""
	}

	msb2 := (raw[0] >> 6) & 0b11
	for _, st := range randomAddressSubtypes {
		if st.bits == msb2 {
			return "random", st.name
		}
	}
	return "random", ""
}
