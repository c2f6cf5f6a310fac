package keycodec

import (
	"encoding/hex"
	"strings"
)

const (
	fingerprintHexLen = 40
	longidHexLen      = 16
	spacedFprLen      = 49 // 40 hex chars grouped by 4 with 9 spaces
)

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// LongID derives the 16-character uppercase longid from any of the accepted
// representations, dispatching on input length:
//
//	8 bytes   — raw binary key id, hex-encoded
//	16 chars  — already a longid, canonicalized to uppercase
//	40 chars  — full fingerprint, last 16 kept
//	49 chars  — space-grouped fingerprint, spaces stripped then last 16
//	otherwise — parsed as armored key material and derived from the first key
//
// Empty or unrecognizable input yields ok=false rather than an error.
func (c *Codec) LongID(input string) (string, bool) {
	switch len(input) {
	case 0:
		return "", false
	case 8:
		return strings.ToUpper(hex.EncodeToString([]byte(input))), true
	case longidHexLen:
		if !isHex(input) {
			return "", false
		}
		return strings.ToUpper(input), true
	case fingerprintHexLen:
		if !isHex(input) {
			return "", false
		}
		return strings.ToUpper(input[fingerprintHexLen-longidHexLen:]), true
	case spacedFprLen:
		stripped := strings.ReplaceAll(input, " ", "")
		if len(stripped) != fingerprintHexLen || !isHex(stripped) {
			return "", false
		}
		return strings.ToUpper(stripped[fingerprintHexLen-longidHexLen:]), true
	}

	keys, err := c.ParseAll(input)
	if err != nil || len(keys) == 0 {
		return "", false
	}
	return c.LongID(keys[0].ID)
}
