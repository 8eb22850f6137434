package nfc

import (
	"fmt"
	"strings"
)

// TechType identifies a communication protocol the radio stack can use to
// talk to a tag.
type TechType string

// Technologies recognised by the read loop.
const (
	TechNDEF             TechType = "Ndef"
	TechNdefFormatable   TechType = "NdefFormatable"
	TechIsoDep           TechType = "IsoDep"
	TechNfcA             TechType = "NfcA"
	TechNfcB             TechType = "NfcB"
	TechNfcF             TechType = "NfcF"
	TechNfcV             TechType = "NfcV"
	TechMifareClassic    TechType = "MifareClassic"
	TechMifareUltralight TechType = "MifareUltralight"
)

// Tag is a physical tag currently present in the radio field.
//
// A Tag is handed out by an Adapter through its discovery callback and
// stays valid until the tag leaves the field. Per-technology access goes
// through Tech.
//
// Example:
//
//	if ndef, ok := tag.Tech(nfc.TechNDEF).(nfc.NDEFTechnology); ok {
//	    _ = ndef.Connect()
//	    size, _ := ndef.MessageSize()
//	    _ = ndef.Close()
//	}
type Tag interface {
	// UID returns the raw tag identifier.
	UID() []byte

	// TechList returns every technology the tag supports, in the order
	// the radio stack reported them.
	TechList() []TechType

	// Tech returns a handle for the given technology, or nil if the tag
	// does not support it.
	Tech(t TechType) Technology
}

// Technology is a connection to a tag over one specific protocol.
type Technology interface {
	Type() TechType
	Connect() error
	IsConnected() bool
	Close() error
}

// NDEFTechnology is a data-oriented technology that can report the size
// of the NDEF message stored on the tag.
type NDEFTechnology interface {
	Technology
	// MessageSize returns the length in bytes of the tag's NDEF message.
	// Requires an open connection.
	MessageSize() (int, error)
}

// HasTech reports whether tag supports t.
func HasTech(tag Tag, t TechType) bool {
	for _, tt := range tag.TechList() {
		if tt == t {
			return true
		}
	}
	return false
}

// FormatUID renders a UID as colon-separated upper-case hex, e.g. "04:A1:B2:C3".
func FormatUID(uid []byte) string {
	if len(uid) == 0 {
		return ""
	}
	parts := make([]string, len(uid))
	for i, b := range uid {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// techLabels maps technologies to the labels used in history entries.
// Order matters: it is the order labels appear in DetectTagType.
var techLabels = []struct {
	tech  TechType
	label string
}{
	{TechNfcA, "NfcA"},
	{TechNfcB, "NfcB"},
	{TechNfcF, "NfcF"},
	{TechNfcV, "NfcV"},
	{TechMifareClassic, "MIFARE Classic"},
	{TechMifareUltralight, "MIFARE Ultralight"},
	{TechIsoDep, "ISO-DEP"},
	{TechNDEF, "NDEF"},
	{TechNdefFormatable, "NDEF Formatable"},
}

// DetectTagType returns a human-readable, comma-separated label of the
// technologies a tag supports, or "Unknown".
func DetectTagType(tag Tag) string {
	var types []string
	for _, tl := range techLabels {
		if HasTech(tag, tl.tech) {
			types = append(types, tl.label)
		}
	}
	if len(types) == 0 {
		return "Unknown"
	}
	return strings.Join(types, ", ")
}

// JoinTechList renders a tag's technology list for display.
func JoinTechList(tag Tag) string {
	techs := tag.TechList()
	names := make([]string, len(techs))
	for i, t := range techs {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// KnownTechs lists every TechType the read loop recognises.
var KnownTechs = []TechType{
	TechNDEF, TechNdefFormatable, TechIsoDep, TechNfcA, TechNfcB, TechNfcF, TechNfcV,
	TechMifareClassic, TechMifareUltralight,
}

// ParseTechType matches name case-insensitively against KnownTechs.
func ParseTechType(name string) (TechType, bool) {
	for _, t := range KnownTechs {
		if strings.EqualFold(string(t), strings.TrimSpace(name)) {
			return t, true
		}
	}
	return "", false
}
