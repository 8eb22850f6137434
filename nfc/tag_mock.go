package nfc

import (
	"sync"
)

// MockTag is a test implementation of Tag that simulates a tag in the field.
//
// Example:
//
//	tag := NewMockTag([]byte{0x04, 0xA1, 0xB2, 0xC3}, TechNfcA, TechNDEF)
//	tag.MockTech(TechNDEF).MessageSizeValue = 42
type MockTag struct {
	// TagUID is the UID returned by UID()
	TagUID []byte

	// Techs lists the technologies in the order TechList reports them
	Techs []TechType

	techs map[TechType]*MockTech
	mu    sync.Mutex
}

// NewMockTag creates a MockTag exposing a MockTech for each technology.
func NewMockTag(uid []byte, techs ...TechType) *MockTag {
	m := &MockTag{
		TagUID: uid,
		Techs:  techs,
		techs:  make(map[TechType]*MockTech, len(techs)),
	}
	for _, t := range techs {
		m.techs[t] = NewMockTech(t)
	}
	return m
}

// UID returns the tag's UID.
func (m *MockTag) UID() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TagUID
}

// TechList returns the configured technologies.
func (m *MockTag) TechList() []TechType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TechType(nil), m.Techs...)
}

// Tech returns the MockTech for t, or nil if the tag does not list it.
func (m *MockTag) Tech(t TechType) Technology {
	m.mu.Lock()
	defer m.mu.Unlock()
	tech, ok := m.techs[t]
	if !ok {
		return nil
	}
	return tech
}

// MockTech returns the concrete mock behind Tech(t) for configuring
// failures and inspecting calls.
func (m *MockTag) MockTech(t TechType) *MockTech {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.techs[t]
}

// Depart makes every technology of the tag fail as if the tag left the field.
func (m *MockTag) Depart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tech := range m.techs {
		tech.SetConnectError(NewTagLostError("Connect", nil))
	}
}

// MockTech is a test implementation of Technology and NDEFTechnology.
type MockTech struct {
	TechType TechType

	// ConnectError, if set, will be returned by Connect()
	ConnectError error

	// MessageSizeValue is returned by MessageSize()
	MessageSizeValue int

	// MessageSizeError, if set, will be returned by MessageSize()
	MessageSizeError error

	// CloseError, if set, will be returned by Close()
	CloseError error

	// Connected tracks whether the technology is currently connected
	Connected bool

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu sync.Mutex
}

// NewMockTech creates a disconnected MockTech.
func NewMockTech(t TechType) *MockTech {
	return &MockTech{TechType: t, CallLog: make([]string, 0)}
}

func (m *MockTech) Type() TechType {
	return m.TechType
}

// Connect simulates opening the link.
func (m *MockTech) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Connect")
	if m.ConnectError != nil {
		return m.ConnectError
	}
	m.Connected = true
	return nil
}

func (m *MockTech) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// Close simulates closing the link.
func (m *MockTech) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "Close")
	if m.CloseError != nil {
		return m.CloseError
	}
	m.Connected = false
	return nil
}

// MessageSize simulates the NDEF length read.
func (m *MockTech) MessageSize() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "MessageSize")
	if !m.Connected {
		return 0, Errorf(ErrCodeReadFailed, "MessageSize", "not connected")
	}
	if m.MessageSizeError != nil {
		return 0, m.MessageSizeError
	}
	return m.MessageSizeValue, nil
}

// SetConnectError changes the Connect failure under the lock.
func (m *MockTech) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectError = err
}

// SetMessageSizeError changes the MessageSize failure under the lock.
func (m *MockTech) SetMessageSizeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessageSizeError = err
}

// Calls returns a copy of the call log.
func (m *MockTech) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CountCalls returns how many times method was called.
func (m *MockTech) CountCalls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.CallLog {
		if c == method {
			n++
		}
	}
	return n
}
