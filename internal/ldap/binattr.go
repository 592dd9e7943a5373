package ldap

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/google/uuid"
)

// GUIDBytesLength is the length of a binary objectGUID.
const GUIDBytesLength = 16

// DecodeSID converts a binary objectSid to its S-1-5-... string form.
func DecodeSID(raw []byte) (string, error) {
	if len(raw) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}

	sid := objectsid.Decode(raw)
	return sid.String(), nil
}

// DecodeGUID converts an Active Directory objectGUID to its canonical string.
// The first three fields are stored little-endian; the last eight bytes are
// stored in order.
func DecodeGUID(raw []byte) (string, error) {
	if len(raw) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(raw))
	}

	swapped := make([]byte, GUIDBytesLength)
	swapped[0], swapped[1], swapped[2], swapped[3] = raw[3], raw[2], raw[1], raw[0]
	swapped[4], swapped[5] = raw[5], raw[4]
	swapped[6], swapped[7] = raw[7], raw[6]
	copy(swapped[8:], raw[8:])

	id, err := uuid.FromBytes(swapped)
	if err != nil {
		return "", fmt.Errorf("failed to decode GUID: %w", err)
	}

	return id.String(), nil
}

// RenderValue returns a printable form of one attribute value. Security
// identifiers and GUIDs are decoded, other binary values are hex encoded and
// text is returned unchanged.
func RenderValue(attr string, raw []byte) string {
	switch strings.ToLower(attr) {
	case "objectsid":
		if sid, err := DecodeSID(raw); err == nil {
			return sid
		}
	case "objectguid":
		if guid, err := DecodeGUID(raw); err == nil {
			return guid
		}
	}

	if utf8.Valid(raw) {
		return string(raw)
	}

	return "0x" + hex.EncodeToString(raw)
}

// RenderEntry renders every value of entry, keyed by attribute name in the
// order the server returned them.
func RenderEntry(entry *Entry) [][2]string {
	if entry == nil {
		return nil
	}

	var out [][2]string
	for _, attr := range entry.Attributes {
		for _, raw := range attr.ByteValues {
			out = append(out, [2]string{attr.Name, RenderValue(attr.Name, raw)})
		}
	}

	return out
}
