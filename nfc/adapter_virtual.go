package nfc

import (
	"fmt"
	"sync"
)

// VirtualAdapter is a software radio. Tags are placed into and removed
// from its field through Present and Remove, which makes it usable for
// hardware-free runs driven over HTTP.
//
// Like a real reader, enabling reader mode while a tag sits in the field
// reports that tag again.
type VirtualAdapter struct {
	mu       sync.Mutex
	enabled  bool
	reading  bool
	callback ReaderCallback
	present  *MockTag
}

// NewVirtualAdapter creates a switched-on VirtualAdapter with an empty field.
func NewVirtualAdapter() *VirtualAdapter {
	return &VirtualAdapter{enabled: true}
}

func (v *VirtualAdapter) EnableReaderMode(cb ReaderCallback, flags ReaderFlags) error {
	v.mu.Lock()
	if !v.enabled {
		v.mu.Unlock()
		return ErrNotEnabled
	}
	v.callback = cb
	v.reading = true
	tag := v.present
	v.mu.Unlock()

	if tag != nil && cb != nil {
		go cb(tag)
	}
	return nil
}

func (v *VirtualAdapter) DisableReaderMode() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reading = false
	v.callback = nil
	return nil
}

func (v *VirtualAdapter) IsEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enabled
}

// Disable switches the virtual radio off.
func (v *VirtualAdapter) Disable() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enabled = false
	v.reading = false
	v.callback = nil
	return nil
}

// Enable switches the virtual radio back on.
func (v *VirtualAdapter) Enable() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enabled = true
	return nil
}

// Present places a tag into the field, replacing (and departing) any
// tag already there. ndefSize < 0 means the tag carries no NDEF data.
// The discovery callback fires if reader mode is on.
func (v *VirtualAdapter) Present(uid []byte, techs []TechType, ndefSize int) (Tag, error) {
	if len(uid) == 0 {
		return nil, fmt.Errorf("virtual tag needs a UID")
	}
	techs = append([]TechType(nil), techs...)
	if len(techs) == 0 {
		techs = append(techs, TechNfcA)
	}
	if ndefSize >= 0 && !containsTech(techs, TechNDEF) {
		techs = append(techs, TechNDEF)
	}

	tag := NewMockTag(append([]byte(nil), uid...), techs...)
	if ndef := tag.MockTech(TechNDEF); ndef != nil && ndefSize >= 0 {
		ndef.MessageSizeValue = ndefSize
	}

	v.mu.Lock()
	old := v.present
	v.present = tag
	cb := v.callback
	reading := v.reading && v.enabled
	v.mu.Unlock()

	if old != nil {
		old.Depart()
	}
	if reading && cb != nil {
		cb(tag)
	}
	return tag, nil
}

// Remove takes the current tag out of the field. It returns false if the
// field was already empty.
func (v *VirtualAdapter) Remove() bool {
	v.mu.Lock()
	tag := v.present
	v.present = nil
	v.mu.Unlock()

	if tag == nil {
		return false
	}
	tag.Depart()
	return true
}

// Current returns the tag in the field, or nil.
func (v *VirtualAdapter) Current() Tag {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.present == nil {
		return nil
	}
	return v.present
}

func containsTech(techs []TechType, t TechType) bool {
	for _, tt := range techs {
		if tt == t {
			return true
		}
	}
	return false
}
