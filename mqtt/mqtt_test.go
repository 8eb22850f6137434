package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/dotside-studios/nfc-readloop/protocol"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakePublisher) list() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.msgs...)
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestMirror(topic string) (*Mirror, *fakePublisher) {
	pub := &fakePublisher{}
	return &Mirror{cfg: Config{Topic: topic}, pub: pub, enabled: true, logger: quiet()}, pub
}

func TestNew_DisabledWithoutHost(t *testing.T) {
	m, err := New(Config{}, "dev", quiet())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if m.Enabled() {
		t.Error("mirror without host should be disabled")
	}

	// all no-ops
	m.Connect()
	m.Publish(readloop.Event{Status: &readloop.Status{Line: readloop.StatusReady}})
	m.Disconnect()
}

func TestNew_BadCACert(t *testing.T) {
	_, err := New(Config{Host: "broker", CACert: "/nonexistent/ca.pem"}, "dev", quiet())
	if err == nil {
		t.Error("New() with an unreadable CA cert should fail")
	}
}

func TestNew_EnabledWithHost(t *testing.T) {
	m, err := New(Config{Host: "broker.invalid"}, "dev", quiet())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if !m.Enabled() {
		t.Error("mirror with host should be enabled")
	}
}

func TestMirror_Publish(t *testing.T) {
	m, pub := newTestMirror("nfc-readloop")

	entry := readloop.ReadEvent{
		Seq:    2,
		UID:    "04:A1:B2:C3",
		Time:   time.Date(2024, 3, 5, 9, 8, 7, 0, time.Local),
		Kind:   readloop.KindRead,
		Result: "NDEF Message Length: 27 bytes",
	}
	status := readloop.Status{Line: readloop.StatusReading, UID: entry.UID, Counter: 2}

	m.Publish(readloop.Event{Entry: &entry})
	m.Publish(readloop.Event{Status: &status})

	msgs := pub.list()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].topic != "nfc-readloop/entry" || msgs[0].retained {
		t.Errorf("entry message = %s retained=%v", msgs[0].topic, msgs[0].retained)
	}
	var got protocol.Entry
	if err := json.Unmarshal(msgs[0].payload, &got); err != nil {
		t.Fatalf("entry payload: %v", err)
	}
	if got.UID != "04:A1:B2:C3" || got.Kind != "read" || got.Time != "2024-03-05 09:08:07" {
		t.Errorf("entry = %+v", got)
	}

	if msgs[1].topic != "nfc-readloop/status" || !msgs[1].retained {
		t.Errorf("status message = %s retained=%v", msgs[1].topic, msgs[1].retained)
	}
}

func TestMirror_TopicWithoutPrefix(t *testing.T) {
	m, _ := newTestMirror("")
	if got := m.topic(TopicStatus); got != "status" {
		t.Errorf("topic = %q", got)
	}
}

func TestMirror_Run(t *testing.T) {
	m, pub := newTestMirror("t")
	events := make(chan readloop.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	events <- readloop.Event{Status: &readloop.Status{Line: readloop.StatusPaused}}
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if len(pub.list()) != 1 {
		t.Errorf("published %d messages, want 1", len(pub.list()))
	}
}
