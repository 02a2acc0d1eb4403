package nfc

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Type Name Format values used by the engine.
const (
	TNFEmpty     byte = 0x00
	TNFWellKnown byte = 0x01
)

const (
	textStatusUTF8    = 0x80 // bit 7 set: UTF-8, clear: UTF-16
	textLangMask      = 0x3F
	defaultLangCode   = "en"
	maxNDEFPayloadLen = math.MaxUint32
)

// Decode strategy names reported in TextDecoding.Strategy.
const (
	DecodeStandard = "standard"
	DecodeManual   = "manual"
	DecodeHex      = "hex"
)

// NDEFRecord represents a single NDEF record within a message.
type NDEFRecord struct {
	TNF     byte   // Type Name Format (0x00-0x07)
	Type    []byte // Record type (e.g., "T" for text)
	ID      []byte // Optional record ID
	Payload []byte // Record payload data
}

// IsTextRecord returns true if this is a Well Known Text record.
func (r NDEFRecord) IsTextRecord() bool {
	return r.TNF == TNFWellKnown && len(r.Type) == 1 && r.Type[0] == 'T'
}

// IsEmpty returns true for TNF Empty records and records without payload.
func (r NDEFRecord) IsEmpty() bool {
	return r.TNF == TNFEmpty || (len(r.Type) == 0 && len(r.Payload) == 0)
}

// TextDecoding is the outcome of decoding a text record payload.
type TextDecoding struct {
	Text     string
	Strategy string // DecodeStandard, DecodeManual or DecodeHex
	UTF16    bool
}

// DecodeTextPayload decodes an NDEF text record payload. It never fails: when
// neither the standard nor the manual decoder can make sense of the bytes the
// whole payload is returned as a hex string.
func DecodeTextPayload(payload []byte) TextDecoding {
	if len(payload) < 1 {
		return TextDecoding{Text: "", Strategy: DecodeHex}
	}
	status := payload[0]
	isUTF16 := status&textStatusUTF8 == 0
	textStart := 1 + int(status&textLangMask)

	if textStart <= len(payload) {
		body := payload[textStart:]
		if text, err := decodeStandard(body, isUTF16); err == nil {
			return TextDecoding{Text: text, Strategy: DecodeStandard, UTF16: isUTF16}
		}
		if text, err := decodeManual(body, isUTF16); err == nil {
			return TextDecoding{Text: text, Strategy: DecodeManual, UTF16: isUTF16}
		}
	}
	return TextDecoding{Text: hex.EncodeToString(payload), Strategy: DecodeHex, UTF16: isUTF16}
}

// DecodeText is DecodeTextPayload without the strategy details.
func DecodeText(payload []byte) string {
	return DecodeTextPayload(payload).Text
}

var (
	errInvalidText  = errors.New("invalid text encoding")
	errOddUTF16     = errors.New("odd UTF-16 byte length")
	errLoneSurrogte = errors.New("unpaired UTF-16 surrogate")
)

// decodeStandard uses the x/text codecs and rejects anything they would
// have to replace.
func decodeStandard(b []byte, isUTF16 bool) (string, error) {
	if !isUTF16 {
		out, _, err := transform.Bytes(encoding.UTF8Validator, b)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	if len(b)%2 != 0 {
		return "", errOddUTF16
	}
	out, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	if strings.ContainsRune(string(out), utf8.RuneError) {
		return "", errInvalidText
	}
	return string(out), nil
}

// decodeManual walks the bytes by hand. It tolerates a truncated trailing
// character, which is what a short write leaves behind.
func decodeManual(b []byte, isUTF16 bool) (string, error) {
	if !isUTF16 {
		var sb strings.Builder
		for i := 0; i < len(b); {
			r, size := utf8.DecodeRune(b[i:])
			if r == utf8.RuneError && size <= 1 {
				if !utf8.FullRune(b[i:]) {
					break
				}
				return "", errInvalidText
			}
			sb.WriteRune(r)
			i += size
		}
		return sb.String(), nil
	}

	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	var sb strings.Builder
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case utf16.IsSurrogate(rune(u)) && u < 0xDC00:
			if i+1 >= len(units) || units[i+1] < 0xDC00 || units[i+1] > 0xDFFF {
				return "", errLoneSurrogte
			}
			sb.WriteRune(utf16.DecodeRune(rune(u), rune(units[i+1])))
			i++
		case utf16.IsSurrogate(rune(u)):
			return "", errLoneSurrogte
		default:
			sb.WriteRune(rune(u))
		}
	}
	return sb.String(), nil
}

// EncodeTextPayload builds a UTF-8 text record payload with language "en".
func EncodeTextPayload(text string) ([]byte, error) {
	lang := []byte(defaultLangCode)
	size := 1 + len(lang) + len(text)
	if uint64(size) > maxNDEFPayloadLen {
		return nil, NewError(CategoryCapacityExceeded, "EncodeTextPayload", fmt.Sprintf("text payload of %d bytes exceeds NDEF limit", size), nil)
	}
	payload := make([]byte, size)
	payload[0] = textStatusUTF8 | byte(len(lang))
	copy(payload[1:], lang)
	copy(payload[1+len(lang):], text)
	return payload, nil
}

// TextRecord wraps text in a Well Known "T" record.
func TextRecord(text string) (NDEFRecord, error) {
	payload, err := EncodeTextPayload(text)
	if err != nil {
		return NDEFRecord{}, err
	}
	return NDEFRecord{TNF: TNFWellKnown, Type: []byte("T"), Payload: payload}, nil
}

// EmptyRecord is the record written when clearing a tag.
func EmptyRecord() NDEFRecord {
	return NDEFRecord{TNF: TNFEmpty}
}

// EncodeTextMessage encodes a single-record NDEF message carrying text.
func EncodeTextMessage(text string) ([]byte, error) {
	rec, err := TextRecord(text)
	if err != nil {
		return nil, err
	}
	return EncodeMessage([]NDEFRecord{rec})
}

// EncodeMessage encodes records into raw NDEF message bytes.
func EncodeMessage(records []NDEFRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("cannot encode empty record list")
	}

	var out []byte
	for i, rec := range records {
		if uint64(len(rec.Payload)) > maxNDEFPayloadLen {
			return nil, fmt.Errorf("record %d payload of %d bytes exceeds NDEF limit", i, len(rec.Payload))
		}
		if len(rec.Type) > 0xFF || len(rec.ID) > 0xFF {
			return nil, fmt.Errorf("record %d type or id longer than 255 bytes", i)
		}

		short := len(rec.Payload) <= 0xFF
		header := rec.TNF & 0x07
		if i == 0 {
			header |= 0x80 // MB
		}
		if i == len(records)-1 {
			header |= 0x40 // ME
		}
		if short {
			header |= 0x10 // SR
		}
		if len(rec.ID) > 0 {
			header |= 0x08 // IL
		}

		out = append(out, header, byte(len(rec.Type)))
		if short {
			out = append(out, byte(len(rec.Payload)))
		} else {
			out = binary.BigEndian.AppendUint32(out, uint32(len(rec.Payload)))
		}
		if len(rec.ID) > 0 {
			out = append(out, byte(len(rec.ID)))
		}
		out = append(out, rec.Type...)
		out = append(out, rec.ID...)
		out = append(out, rec.Payload...)
	}
	return out, nil
}

// ParseMessage parses raw NDEF message bytes. An empty input is a message
// without records, not an error.
func ParseMessage(msg []byte) ([]NDEFRecord, error) {
	var records []NDEFRecord
	offset := 0

	for offset < len(msg) {
		header := msg[offset]
		me := header&0x40 != 0
		sr := header&0x10 != 0
		il := header&0x08 != 0
		pos := offset + 1

		need := func(n int, what string) error {
			if pos+n > len(msg) {
				return NewError(CategoryInvalidData, "ParseMessage", fmt.Sprintf("truncated %s at offset %d", what, pos), nil)
			}
			return nil
		}

		if err := need(1, "type length"); err != nil {
			return nil, err
		}
		typeLen := int(msg[pos])
		pos++

		var payloadLen int
		if sr {
			if err := need(1, "payload length"); err != nil {
				return nil, err
			}
			payloadLen = int(msg[pos])
			pos++
		} else {
			if err := need(4, "payload length"); err != nil {
				return nil, err
			}
			payloadLen = int(binary.BigEndian.Uint32(msg[pos : pos+4]))
			pos += 4
		}

		idLen := 0
		if il {
			if err := need(1, "id length"); err != nil {
				return nil, err
			}
			idLen = int(msg[pos])
			pos++
		}

		if err := need(typeLen+idLen+payloadLen, "record body"); err != nil {
			return nil, err
		}
		rec := NDEFRecord{TNF: header & 0x07}
		rec.Type = append([]byte(nil), msg[pos:pos+typeLen]...)
		pos += typeLen
		if idLen > 0 {
			rec.ID = append([]byte(nil), msg[pos:pos+idLen]...)
			pos += idLen
		}
		rec.Payload = append([]byte(nil), msg[pos:pos+payloadLen]...)
		pos += payloadLen

		records = append(records, rec)
		offset = pos
		if me {
			break
		}
	}
	return records, nil
}

// meaningfulRecords drops empty records; a tag holding only those is empty.
func meaningfulRecords(records []NDEFRecord) []NDEFRecord {
	out := records[:0:0]
	for _, r := range records {
		if !r.IsEmpty() {
			out = append(out, r)
		}
	}
	return out
}

// recordText extracts text from the first text record, or from the first
// record's raw payload when the tag carries no text record.
func recordText(records []NDEFRecord) TextDecoding {
	for _, r := range records {
		if r.IsTextRecord() {
			return DecodeTextPayload(r.Payload)
		}
	}
	raw := records[0].Payload
	if utf8.Valid(raw) {
		return TextDecoding{Text: string(raw), Strategy: DecodeManual}
	}
	return TextDecoding{Text: hex.EncodeToString(raw), Strategy: DecodeHex}
}
