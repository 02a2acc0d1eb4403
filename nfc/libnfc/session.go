// Package libnfc drives Ultralight and NTAG21x tags through a USB reader
// using libnfc and libfreefare.
package libnfc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"

	nfcengine "github.com/dotside-studios/tagengine/nfc"
)

const (
	ccPage          = 3
	userPageStart   = 4
	maxPages        = 256
	ndefMagic       = 0xE1
	deviceEnumTries = 3
)

// pageTag is the part of freefare.UltralightTag the session uses.
type pageTag interface {
	UID() string
	Connect() error
	Disconnect() error
	ReadPage(page byte) ([4]byte, error)
	WritePage(page byte, data [4]byte) error
}

// transceiver is the raw exchange of nfc.Device.
type transceiver interface {
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
}

// Session implements nfcengine.TagSession and nfcengine.Transceiver on top of
// a libnfc reader.
type Session struct {
	device       *nfc.Device
	discover     func() ([]pageTag, error)
	xcv          transceiver
	pollInterval time.Duration
	timeoutMs    int
	logger       *slog.Logger

	mu   sync.Mutex
	tag  pageTag
	desc *nfcengine.TagDescriptor
}

var (
	_ nfcengine.TagSession  = (*Session)(nil)
	_ nfcengine.Transceiver = (*Session)(nil)
)

// Option configures a Session.
type Option func(*Session)

// WithPollInterval sets how often the reader is polled while waiting for a tag.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// ListDevices returns the connection strings of attached readers.
func ListDevices() ([]string, error) {
	var devices []string
	var err error
	for i := 0; i < deviceEnumTries; i++ {
		devices, err = nfc.ListDevices()
		if err == nil {
			return devices, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no device found after %d attempts: %w", deviceEnumTries, err)
}

// Open opens the reader at connstring, or the first reader when it is empty.
func Open(connstring string, opts ...Option) (*Session, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("open nfc device %q: %w", connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("init nfc device %q: %w", dev.String(), err)
	}

	s := newSession(func() ([]pageTag, error) { return ultralightTags(dev) }, &dev, opts...)
	s.device = &dev
	s.logger.Info("nfc reader opened", "device", dev.String(), "connection", dev.Connection())
	return s, nil
}

func newSession(discover func() ([]pageTag, error), xcv transceiver, opts ...Option) *Session {
	s := &Session{
		discover:     discover,
		xcv:          xcv,
		pollInterval: 250 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ultralightTags lists the Ultralight family tags in the field. Other
// freefare tag types are not handled by the engine.
func ultralightTags(dev nfc.Device) ([]pageTag, error) {
	tags, err := freefare.GetTags(dev)
	if err != nil {
		return nil, err
	}
	var out []pageTag
	for _, t := range tags {
		if ul, ok := t.(freefare.UltralightTag); ok {
			out = append(out, ul)
		}
	}
	return out, nil
}

// Close releases the reader.
func (s *Session) Close() error {
	_ = s.CancelTechnologyRequest()
	if s.device == nil {
		return nil
	}
	return s.device.Close()
}

// RequestTechnology polls the reader until an Ultralight-class tag is
// selected or ctx is done.
func (s *Session) RequestTechnology(ctx context.Context, techs []nfcengine.Technology, _ nfcengine.RequestOptions) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		tags, err := s.discover()
		if err != nil {
			s.logger.Debug("tag poll failed", "error", err)
		}
		for _, t := range tags {
			if err := t.Connect(); err != nil {
				s.logger.Debug("tag connect failed", "uid", t.UID(), "error", err)
				continue
			}
			desc, err := describe(t)
			if err != nil {
				t.Disconnect()
				s.logger.Debug("tag describe failed", "uid", t.UID(), "error", err)
				continue
			}
			if !offersAny(desc, techs) {
				t.Disconnect()
				continue
			}
			s.mu.Lock()
			s.tag, s.desc = t, desc
			s.mu.Unlock()
			s.logger.Debug("tag selected", "uid", desc.UID(), "max_size", desc.MaxSize)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func offersAny(desc *nfcengine.TagDescriptor, techs []nfcengine.Technology) bool {
	if len(techs) == 0 {
		return true
	}
	for _, t := range techs {
		if desc.Has(t) {
			return true
		}
	}
	return false
}

// describe builds the descriptor from the UID and the capability container.
func describe(t pageTag) (*nfcengine.TagDescriptor, error) {
	id, err := hex.DecodeString(t.UID())
	if err != nil {
		return nil, fmt.Errorf("decode uid %q: %w", t.UID(), err)
	}
	cc, err := t.ReadPage(ccPage)
	if err != nil {
		return nil, fmt.Errorf("read capability container: %w", err)
	}

	desc := &nfcengine.TagDescriptor{
		ID:         id,
		TechTypes:  []string{"NfcA", string(nfcengine.TechMifareUltralight)},
		IsWritable: true,
	}
	switch {
	case cc[0] == ndefMagic:
		desc.TechTypes = append(desc.TechTypes, string(nfcengine.TechNdef))
		desc.MaxSize = int(cc[2]) * 8
		desc.IsWritable = cc[3]&0x0F == 0
	case cc == [4]byte{}:
		desc.TechTypes = append(desc.TechTypes, string(nfcengine.TechNdefFormatable))
	}
	return desc, nil
}

func (s *Session) current() (pageTag, *nfcengine.TagDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tag == nil {
		return nil, nil, errors.New("no tag connection")
	}
	return s.tag, s.desc, nil
}

func (s *Session) GetTag(_ context.Context) (*nfcengine.TagDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc, nil
}

// ReadNdef reads user pages until the NDEF TLV is complete.
func (s *Session) ReadNdef(ctx context.Context) ([]byte, error) {
	t, desc, err := s.current()
	if err != nil {
		return nil, err
	}
	if !desc.Has(nfcengine.TechNdef) {
		return nil, nil
	}

	end := maxPages
	if desc.MaxSize > 0 {
		end = userPageStart + desc.MaxSize/4
	}
	var area []byte
	for page := userPageStart; page < end; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := t.ReadPage(byte(page))
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", page, err)
		}
		area = append(area, data[:]...)
		if value, found, complete := nfcengine.TLVFindNDEF(area); complete {
			if !found {
				return nil, nil
			}
			return value, nil
		}
	}
	return nil, errors.New("ndef tlv is malformed: runs past user memory")
}

// WriteNdef writes msg as an NDEF TLV from page 4 on.
func (s *Session) WriteNdef(ctx context.Context, msg []byte) error {
	t, desc, err := s.current()
	if err != nil {
		return err
	}
	if !desc.IsWritable {
		return errors.New("tag is read only")
	}

	area := freefare.TLVencode(msg, nfcengine.TLVNDEF)
	if area == nil {
		return fmt.Errorf("ndef message of %d bytes is too large", len(msg))
	}
	if desc.MaxSize > 0 && len(area) > desc.MaxSize {
		return fmt.Errorf("ndef message of %d bytes exceeds tag capacity of %d", len(area), desc.MaxSize)
	}

	for i := 0; i*4 < len(area); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page [4]byte
		copy(page[:], area[i*4:])
		if err := t.WritePage(byte(userPageStart+i), page); err != nil {
			return fmt.Errorf("write page %d: %w", userPageStart+i, err)
		}
	}
	s.logger.Debug("ndef written", "uid", desc.UID(), "bytes", len(msg))
	return nil
}

// Transceive sends a raw command to the selected tag.
func (s *Session) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if _, _, err := s.current(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rx [262]byte
	n, err := s.xcv.InitiatorTransceiveBytes(cmd, rx[:], s.timeoutMs)
	if err != nil {
		// PN53x readers report a 4-bit NAK as an RF error.
		if strings.Contains(strings.ToLower(err.Error()), "rf transmission") {
			return []byte{0x00}, nil
		}
		return nil, fmt.Errorf("transceive failed: %w", err)
	}
	return append([]byte(nil), rx[:n]...), nil
}

// CancelTechnologyRequest disconnects the selected tag, if any.
func (s *Session) CancelTechnologyRequest() error {
	s.mu.Lock()
	t := s.tag
	s.tag, s.desc = nil, nil
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Disconnect()
}
