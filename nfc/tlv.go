package nfc

// TLV types used in Type 2 tag memory.
const (
	TLVNull        = 0x00
	TLVLockCtrl    = 0x01
	TLVMemCtrl     = 0x02
	TLVNDEF        = 0x03
	TLVProprietary = 0xFD
	TLVTerminator  = 0xFE
)

// TLVEncode wraps data in a TLV of the given type followed by a terminator.
// Values of 255 bytes or more use the three byte length form.
func TLVEncode(data []byte, tlvType byte) []byte {
	out := make([]byte, 0, len(data)+5)
	out = append(out, tlvType)
	if n := len(data); n < 0xFF {
		out = append(out, byte(n))
	} else {
		out = append(out, 0xFF, byte(n>>8), byte(n))
	}
	out = append(out, data...)
	return append(out, TLVTerminator)
}

// tlvHeader returns the value offset and value length of the TLV starting at
// data[0]. ok is false when the header is truncated.
func tlvHeader(data []byte) (valueStart, length int, ok bool) {
	if len(data) < 2 {
		return 0, 0, false
	}
	if data[1] != 0xFF {
		return 2, int(data[1]), true
	}
	if len(data) < 4 {
		return 0, 0, false
	}
	return 4, int(data[2])<<8 | int(data[3]), true
}

// TLVFindNDEF walks a TLV area and returns the value of the first NDEF
// Message TLV. complete is false when the area ends before the TLV does, which
// tells a paged reader to fetch more memory.
func TLVFindNDEF(data []byte) (value []byte, found, complete bool) {
	offset := 0
	for offset < len(data) {
		switch data[offset] {
		case TLVNull:
			offset++
			continue
		case TLVTerminator:
			return nil, false, true
		}

		valueStart, length, ok := tlvHeader(data[offset:])
		if !ok {
			return nil, false, false
		}
		end := offset + valueStart + length
		if end > len(data) {
			return nil, data[offset] == TLVNDEF, false
		}
		if data[offset] == TLVNDEF {
			return data[offset+valueStart : end], true, true
		}
		offset = end
	}
	return nil, false, false
}

// Type 2 tag layout shared by the Ultralight family.
const (
	ultralightPageSize      = 4
	ultralightCCPage        = 3
	ultralightUserPageStart = 4
	ndefMagic               = 0xE1
	ndefMappingVersion      = 0x10
)

// capabilityContainer returns page 3 for a blank Type 2 tag with dataSize
// bytes of user memory, granting read and write access.
func capabilityContainer(dataSize int) [4]byte {
	return [4]byte{ndefMagic, ndefMappingVersion, byte(dataSize / 8), 0x00}
}

// emptyNDEFArea is an NDEF TLV with no message followed by a terminator,
// padded to a whole page.
func emptyNDEFArea() [4]byte {
	return [4]byte{TLVNDEF, 0x00, TLVTerminator, 0x00}
}
