package nfc

import "fmt"

// TLV types found in a Type 2 tag data area
const (
	TLVNull        = 0x00 // Null TLV
	TLVLockCtrl    = 0x01 // Lock Control TLV
	TLVMemCtrl     = 0x02 // Memory Control TLV
	TLVNDEF        = 0x03 // NDEF Message TLV
	TLVProprietary = 0xFD // Proprietary TLV
	TLVTerminator  = 0xFE // Terminator TLV
)

// TLVGetLength extracts the length from a TLV record.
// data should start at the type byte.
func TLVGetLength(data []byte) int {
	if len(data) < 2 {
		return 0
	}

	if data[1] == 0xFF {
		// Long format
		if len(data) < 4 {
			return 0
		}
		return int(data[2])<<8 | int(data[3])
	}

	// Short format
	return int(data[1])
}

// tlvHeaderSize returns the size of the type+length header of the TLV
// starting at data[0], or 0 if data is too short to hold it.
func tlvHeaderSize(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	if data[1] == 0xFF {
		if len(data) < 4 {
			return 0
		}
		return 4
	}
	return 2
}

// ndefTLVLength walks a TLV block and returns the length of the first
// NDEF Message TLV. Only the headers need to be present in data; the
// message value itself may extend past the end of the buffer. Blank or
// unformatted memory (a terminator or only null TLVs) holds no message
// and reports 0.
func ndefTLVLength(data []byte) (int, error) {
	offset := 0
	for offset < len(data) {
		switch data[offset] {
		case TLVNull:
			offset++
			continue
		case TLVTerminator:
			return 0, nil
		}

		hdr := tlvHeaderSize(data[offset:])
		if hdr == 0 {
			return 0, fmt.Errorf("truncated TLV at offset %d", offset)
		}
		length := TLVGetLength(data[offset:])
		if data[offset] == TLVNDEF {
			return length, nil
		}
		offset += hdr + length
	}
	if offset > len(data) {
		return 0, fmt.Errorf("TLV at offset %d runs past the %d bytes read", offset, len(data))
	}
	return 0, nil
}
