package nfc

import (
	"fmt"
	"sync"
)

// MockAdapter is a test implementation of Adapter that simulates the
// radio's discovery mode.
//
// Example:
//
//	adapter := NewMockAdapter()
//	adapter.EnableReaderMode(cb, DefaultReaderFlags)
//	adapter.Discover(NewMockTag([]byte{0x04}, TechNfcA))
type MockAdapter struct {
	// Enabled is returned by IsEnabled()
	Enabled bool

	// EnableError, if set, will be returned by EnableReaderMode()
	EnableError error

	// DisableError, if set, will be returned by DisableReaderMode()
	DisableError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	callback ReaderCallback
	flags    ReaderFlags
	reading  bool
	mu       sync.Mutex
}

// NewMockAdapter creates an enabled MockAdapter with discovery off.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		Enabled: true,
		CallLog: make([]string, 0),
	}
}

func (m *MockAdapter) EnableReaderMode(cb ReaderCallback, flags ReaderFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "EnableReaderMode")
	if m.EnableError != nil {
		return m.EnableError
	}
	m.callback = cb
	m.flags = flags
	m.reading = true
	return nil
}

func (m *MockAdapter) DisableReaderMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "DisableReaderMode")
	if m.DisableError != nil {
		return m.DisableError
	}
	m.reading = false
	return nil
}

func (m *MockAdapter) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Enabled
}

// SetEnabled switches the simulated radio on or off.
func (m *MockAdapter) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enabled = enabled
}

// ReaderModeActive reports whether discovery is currently running.
func (m *MockAdapter) ReaderModeActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reading
}

// Flags returns the flags of the last successful EnableReaderMode call.
func (m *MockAdapter) Flags() ReaderFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Discover fires the discovery callback as if tag entered the field.
// A nil tag simulates a malformed discovery.
func (m *MockAdapter) Discover(tag Tag) error {
	m.mu.Lock()
	cb := m.callback
	reading := m.reading
	m.mu.Unlock()

	if !reading || cb == nil {
		return fmt.Errorf("reader mode not enabled")
	}
	cb(tag)
	return nil
}

// Calls returns a copy of the call log.
func (m *MockAdapter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}

// CountCalls returns how many times method was called.
func (m *MockAdapter) CountCalls(method string) int {
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

// ResetCalls clears the call log.
func (m *MockAdapter) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = m.CallLog[:0]
}

// MockPowerCycler is a test implementation of PowerCycler.
type MockPowerCycler struct {
	DisableError error
	EnableError  error

	// PanicOnDisable simulates a platform reset hook that blows up.
	PanicOnDisable bool

	CallLog []string
	mu      sync.Mutex
}

func (m *MockPowerCycler) Disable() error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "Disable")
	panicking := m.PanicOnDisable
	err := m.DisableError
	m.mu.Unlock()

	if panicking {
		panic("power cycle hook unavailable")
	}
	return err
}

func (m *MockPowerCycler) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, "Enable")
	return m.EnableError
}

// Calls returns a copy of the call log.
func (m *MockPowerCycler) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}
