package nfc

import (
	"context"
	"errors"
	"sync"
)

// MockSession is an in-memory TagSession for tests.
//
// Example:
//
//	session := NewMockSession(&TagDescriptor{
//	    ID:         []byte{0x04, 0xA1, 0xB2},
//	    TechTypes:  []string{"Ndef"},
//	    MaxSize:    1024,
//	    IsWritable: true,
//	})
//	engine := NewEngine(session)
type MockSession struct {
	// Tag is returned by GetTag; nil simulates an empty field
	Tag *TagDescriptor

	// Message is the NDEF message on the tag; nil means no NDEF
	Message []byte

	// RequestError, if set, will be returned by RequestTechnology()
	RequestError error

	// BlockRequest makes RequestTechnology wait until its context is done
	BlockRequest bool

	// GetTagError, if set, will be returned by GetTag()
	GetTagError error

	// ReadErrors are returned by successive ReadNdef calls, one each
	ReadErrors []error

	// WriteErrors are returned by successive WriteNdef calls, one each
	WriteErrors []error

	// ReleaseError, if set, will be returned by CancelTechnologyRequest()
	ReleaseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	// Writes holds every message passed to a successful WriteNdef
	Writes [][]byte

	// Releases counts CancelTechnologyRequest calls
	Releases int

	// LastTechs is the technology list of the last request
	LastTechs []Technology

	mu        sync.Mutex
	started   chan struct{}
	startOnce sync.Once
}

// NewMockSession creates a MockSession presenting tag.
func NewMockSession(tag *TagDescriptor) *MockSession {
	return &MockSession{
		Tag:     tag,
		CallLog: make([]string, 0),
		started: make(chan struct{}),
	}
}

// RequestStarted is closed once the first technology request begins.
func (m *MockSession) RequestStarted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started == nil {
		m.started = make(chan struct{})
	}
	return m.started
}

func (m *MockSession) log(call string) {
	m.CallLog = append(m.CallLog, call)
}

func (m *MockSession) RequestTechnology(ctx context.Context, techs []Technology, _ RequestOptions) error {
	m.mu.Lock()
	m.log("RequestTechnology")
	m.LastTechs = append([]Technology(nil), techs...)
	if m.started == nil {
		m.started = make(chan struct{})
	}
	started := m.started
	block := m.BlockRequest
	err := m.RequestError
	m.mu.Unlock()

	m.startOnce.Do(func() { close(started) })
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (m *MockSession) GetTag(_ context.Context) (*TagDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("GetTag")
	if m.GetTagError != nil {
		return nil, m.GetTagError
	}
	return m.Tag, nil
}

func (m *MockSession) ReadNdef(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ReadNdef")
	if err := popError(&m.ReadErrors); err != nil {
		return nil, err
	}
	if m.Message == nil {
		return nil, nil
	}
	return append([]byte(nil), m.Message...), nil
}

func (m *MockSession) WriteNdef(_ context.Context, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("WriteNdef")
	if err := popError(&m.WriteErrors); err != nil {
		return err
	}
	if m.Tag != nil && !m.Tag.IsWritable {
		return errors.New("tag is read only")
	}
	if m.Tag != nil && m.Tag.MaxSize > 0 && len(msg) > m.Tag.MaxSize {
		return errors.New("message exceeds tag capacity")
	}
	m.Message = append([]byte(nil), msg...)
	m.Writes = append(m.Writes, m.Message)
	return nil
}

func (m *MockSession) CancelTechnologyRequest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("CancelTechnologyRequest")
	m.Releases++
	return m.ReleaseError
}

// ReleaseCount returns the number of session releases.
func (m *MockSession) ReleaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Releases
}

// Calls returns a copy of the call log.
func (m *MockSession) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CallCount returns how many times call was made.
func (m *MockSession) CallCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.CallLog {
		if c == call {
			n++
		}
	}
	return n
}

// CurrentMessage returns a copy of the NDEF message on the tag.
func (m *MockSession) CurrentMessage() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.Message...)
}

// SetText stores a single text record message.
func (m *MockSession) SetText(text string) error {
	msg, err := EncodeTextMessage(text)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Message = msg
	return nil
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// MockFormatSession adds a native NDEF formatter to MockSession.
type MockFormatSession struct {
	*MockSession

	// FormatError, if set, will be returned by FormatNdef()
	FormatError error
}

func (m *MockFormatSession) FormatNdef(_ context.Context, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("FormatNdef")
	if m.FormatError != nil {
		return m.FormatError
	}
	m.Message = append([]byte(nil), msg...)
	return nil
}

// MockNTAGSession emulates an NTAG213 at the command level: READ, WRITE,
// GET_VERSION and PWD_AUTH over 45 pages, with AUTH0 write protection.
// ReadNdef and WriteNdef go through the same memory.
type MockNTAGSession struct {
	*MockSession

	// Pages is the tag memory
	Pages [][4]byte

	// HideNdef makes ReadNdef report no NDEF, as platform stacks do for
	// tags they fail to parse, so the raw page path is used
	HideNdef bool

	// TransceiveErrors are returned by successive Transceive calls, one each
	TransceiveErrors []error

	authenticated bool
}

const (
	ntag213Pages   = 45
	ntag213CFG0    = 0x29
	ntag213UserEnd = 0x28 // first page past user memory
)

// NewMockNTAG213 creates an NDEF formatted NTAG213 holding an empty NDEF TLV.
func NewMockNTAG213(uid []byte) *MockNTAGSession {
	m := NewBlankMockNTAG213(uid)
	m.Pages[ultralightCCPage] = capabilityContainer(144)
	m.Pages[ultralightUserPageStart] = emptyNDEFArea()
	return m
}

// NewBlankMockNTAG213 creates an NTAG213 without a capability container.
func NewBlankMockNTAG213(uid []byte) *MockNTAGSession {
	pages := make([][4]byte, ntag213Pages)
	copy(pages[0][:], uid)
	pages[ntag213CFG0] = [4]byte{0x04, 0x00, 0x00, authDisabled}
	return &MockNTAGSession{
		MockSession: NewMockSession(&TagDescriptor{
			ID:         uid,
			TechTypes:  []string{"NfcA", "MifareUltralight", "Ndef"},
			MaxSize:    144,
			IsWritable: true,
		}),
		Pages: pages,
	}
}

func (m *MockNTAGSession) protected(page int) bool {
	auth0 := int(m.Pages[ntag213CFG0][3])
	return !m.authenticated && page >= auth0
}

func (m *MockNTAGSession) userArea() []byte {
	var out []byte
	for p := ultralightUserPageStart; p < ntag213UserEnd; p++ {
		out = append(out, m.Pages[p][:]...)
	}
	return out
}

func (m *MockNTAGSession) ReadNdef(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("ReadNdef")
	if err := popError(&m.ReadErrors); err != nil {
		return nil, err
	}
	if m.HideNdef || m.Pages[ultralightCCPage][0] != ndefMagic {
		return nil, nil
	}
	value, found, _ := TLVFindNDEF(m.userArea())
	if !found {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *MockNTAGSession) WriteNdef(_ context.Context, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("WriteNdef")
	if err := popError(&m.WriteErrors); err != nil {
		return err
	}
	if m.Pages[ultralightCCPage][0] != ndefMagic {
		return errors.New("tag is not ndef formatted")
	}
	if m.protected(ultralightUserPageStart) {
		return errors.New("tag is write protected")
	}
	area := TLVEncode(msg, TLVNDEF)
	if len(area) > (ntag213UserEnd-ultralightUserPageStart)*ultralightPageSize {
		return errors.New("message exceeds tag capacity")
	}
	for i := 0; i*ultralightPageSize < len(area); i++ {
		var p [4]byte
		copy(p[:], area[i*ultralightPageSize:])
		m.Pages[ultralightUserPageStart+i] = p
	}
	m.Message = append([]byte(nil), msg...)
	m.Writes = append(m.Writes, m.Message)
	return nil
}

func (m *MockNTAGSession) Transceive(_ context.Context, cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log("Transceive")
	if err := popError(&m.TransceiveErrors); err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return []byte{0x00}, nil
	}

	switch cmd[0] {
	case cmdGetVersion:
		return []byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, 0x0F, 0x03}, nil
	case cmdRead:
		if len(cmd) < 2 || int(cmd[1]) >= len(m.Pages) {
			return []byte{0x00}, nil
		}
		out := make([]byte, 0, 16)
		for i := 0; i < 4; i++ {
			p := (int(cmd[1]) + i) % len(m.Pages)
			if p == ntag213CFG0+2 || p == ntag213CFG0+3 {
				out = append(out, 0, 0, 0, 0)
				continue
			}
			out = append(out, m.Pages[p][:]...)
		}
		return out, nil
	case cmdWrite:
		if len(cmd) < 6 || int(cmd[1]) >= len(m.Pages) || cmd[1] < 2 {
			return []byte{0x00}, nil
		}
		if m.protected(int(cmd[1])) {
			return []byte{0x00}, nil
		}
		copy(m.Pages[cmd[1]][:], cmd[2:6])
		return []byte{ackNibble}, nil
	case cmdPwdAuth:
		pwd := m.Pages[ntag213CFG0+2]
		if len(cmd) < 5 || [4]byte{cmd[1], cmd[2], cmd[3], cmd[4]} != pwd {
			return []byte{0x00}, nil
		}
		m.authenticated = true
		pack := m.Pages[ntag213CFG0+3]
		return []byte{pack[0], pack[1]}, nil
	}
	return []byte{0x00}, nil
}

// CancelTechnologyRequest also drops PWD_AUTH state, as removing the tag does.
func (m *MockNTAGSession) CancelTechnologyRequest() error {
	m.mu.Lock()
	m.authenticated = false
	m.mu.Unlock()
	return m.MockSession.CancelTechnologyRequest()
}

// Auth0 returns the first protected page.
func (m *MockNTAGSession) Auth0() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Pages[ntag213CFG0][3]
}
