package nfc

import (
	"context"
	"encoding/hex"
	"strings"
	"time"
)

// Technology names a tag technology a session can be opened for.
type Technology string

const (
	TechNdef             Technology = "Ndef"
	TechNdefFormatable   Technology = "NdefFormatable"
	TechMifareUltralight Technology = "MifareUltralight"
)

// TagDescriptor describes the tag in the field for the lifetime of one session.
type TagDescriptor struct {
	ID         []byte
	TechTypes  []string
	MaxSize    int // zero when the tag does not report a capacity
	IsWritable bool
}

// UID returns the tag identifier as upper case hex.
func (t *TagDescriptor) UID() string {
	return strings.ToUpper(hex.EncodeToString(t.ID))
}

// Has reports whether the tag advertises tech. Platform names such as
// "android.nfc.tech.MifareUltralight" match by suffix.
func (t *TagDescriptor) Has(tech Technology) bool {
	want := strings.ToLower(string(tech))
	for _, tt := range t.TechTypes {
		lt := strings.ToLower(tt)
		if lt == want || strings.HasSuffix(lt, "."+want) {
			return true
		}
	}
	return false
}

// IsUltralightClass reports whether the tag belongs to the Ultralight/NTAG family.
func (t *TagDescriptor) IsUltralightClass() bool {
	if t.Has(TechMifareUltralight) {
		return true
	}
	for _, tt := range t.TechTypes {
		lt := strings.ToLower(tt)
		if strings.Contains(lt, "ultralight") || strings.Contains(lt, "ntag") {
			return true
		}
	}
	return false
}

// RequestOptions tune a technology request.
type RequestOptions struct {
	AlertMessage string
	Timeout      time.Duration
}

// TagSession is the platform radio layer. A session is exclusive: at most one
// technology request may be outstanding at a time.
type TagSession interface {
	// RequestTechnology blocks until a tag offering one of techs is in the
	// field, ctx is done or the platform times out.
	RequestTechnology(ctx context.Context, techs []Technology, opts RequestOptions) error

	// GetTag returns the tag in the field, or nil when there is none.
	GetTag(ctx context.Context) (*TagDescriptor, error)

	// ReadNdef returns the raw NDEF message, or nil when the tag holds none.
	ReadNdef(ctx context.Context) ([]byte, error)

	// WriteNdef replaces the tag's NDEF message.
	WriteNdef(ctx context.Context, msg []byte) error

	// CancelTechnologyRequest releases the session. It is safe to call when
	// no request is outstanding.
	CancelTechnologyRequest() error
}

// Transceiver is implemented by sessions able to send raw tag commands
// (Ultralight READ/WRITE, NTAG GET_VERSION and PWD_AUTH).
type Transceiver interface {
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// NdefFormatter is implemented by sessions with a native NDEF format call.
type NdefFormatter interface {
	FormatNdef(ctx context.Context, msg []byte) error
}
