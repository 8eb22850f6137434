package nfc

import (
	"testing"
	"time"
)

func TestVirtualAdapter_PresentFiresCallback(t *testing.T) {
	v := NewVirtualAdapter()

	found := make(chan Tag, 1)
	if err := v.EnableReaderMode(func(tag Tag) { found <- tag }, DefaultReaderFlags); err != nil {
		t.Fatalf("EnableReaderMode() failed: %v", err)
	}

	tag, err := v.Present([]byte{0x04, 0xA1, 0xB2, 0xC3}, nil, 12)
	if err != nil {
		t.Fatalf("Present() failed: %v", err)
	}

	select {
	case got := <-found:
		if got != tag {
			t.Error("callback received a different tag")
		}
	case <-time.After(time.Second):
		t.Fatal("discovery callback not called")
	}

	if !HasTech(tag, TechNDEF) || !HasTech(tag, TechNfcA) {
		t.Errorf("TechList() = %v, want NfcA and Ndef", tag.TechList())
	}

	ndef := tag.Tech(TechNDEF).(NDEFTechnology)
	if err := ndef.Connect(); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if size, _ := ndef.MessageSize(); size != 12 {
		t.Errorf("MessageSize() = %d, want 12", size)
	}
}

func TestVirtualAdapter_RemoveDepartsTag(t *testing.T) {
	v := NewVirtualAdapter()
	tag, err := v.Present([]byte{0x01, 0x02}, []TechType{TechIsoDep}, -1)
	if err != nil {
		t.Fatalf("Present() failed: %v", err)
	}
	if HasTech(tag, TechNDEF) {
		t.Error("tag without NDEF size should not expose Ndef")
	}

	if !v.Remove() {
		t.Fatal("Remove() = false, want true")
	}
	if v.Remove() {
		t.Error("second Remove() = true, want false")
	}
	if v.Current() != nil {
		t.Error("Current() after Remove should be nil")
	}
	if err := tag.Tech(TechIsoDep).Connect(); !IsTagDepartedError(err) {
		t.Errorf("Connect() after Remove = %v, want departed", err)
	}
}

func TestVirtualAdapter_RearmRediscovers(t *testing.T) {
	v := NewVirtualAdapter()
	if _, err := v.Present([]byte{0x09}, nil, -1); err != nil {
		t.Fatalf("Present() failed: %v", err)
	}

	found := make(chan Tag, 1)
	if err := v.EnableReaderMode(func(tag Tag) { found <- tag }, DefaultReaderFlags); err != nil {
		t.Fatalf("EnableReaderMode() failed: %v", err)
	}

	select {
	case <-found:
	case <-time.After(time.Second):
		t.Fatal("tag in the field was not reported on enable")
	}
}

func TestVirtualAdapter_PowerCycle(t *testing.T) {
	v := NewVirtualAdapter()
	pc := PowerCyclerFor(v)

	if err := pc.Disable(); err != nil {
		t.Fatalf("Disable() failed: %v", err)
	}
	if v.IsEnabled() {
		t.Error("IsEnabled() after Disable should be false")
	}
	if err := v.EnableReaderMode(func(Tag) {}, DefaultReaderFlags); err != ErrNotEnabled {
		t.Errorf("EnableReaderMode() while off = %v, want ErrNotEnabled", err)
	}
	if err := pc.Enable(); err != nil {
		t.Fatalf("Enable() failed: %v", err)
	}
	if !v.IsEnabled() {
		t.Error("IsEnabled() after Enable should be true")
	}
}
