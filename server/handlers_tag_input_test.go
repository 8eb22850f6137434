package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/protocol"
	"github.com/dotside-studios/nfc-readloop/readloop"
)

func TestTagInput_NoVirtualRadio(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		rec := serve(s, method, "/api/v1/tag", `{"uid":"04A1B2C3"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s status = %d, want 409", method, rec.Code)
		}
		var resp protocol.TagInputResponse
		decode(t, rec, &resp)
		if resp.Success || resp.ErrorCode != protocol.ErrCodeNoVirtualRadio {
			t.Errorf("%s response = %+v", method, resp)
		}
	}
}

func TestTagInput_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{"uid":`, protocol.ErrCodeInvalidRequest},
		{"empty uid", `{"uid":""}`, protocol.ErrCodeInvalidUID},
		{"odd uid", `{"uid":"04A"}`, protocol.ErrCodeInvalidUID},
		{"unknown tech", `{"uid":"04A1","techs":["Felica"]}`, protocol.ErrCodeInvalidTech},
		{"negative ndef", `{"uid":"04A1","ndefSize":-1}`, protocol.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := &fakeInjector{}
			s, _ := newTestServer(t, func(c *Config) { c.Virtual = inj })

			rec := serve(s, http.MethodPost, "/api/v1/tag", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var resp protocol.TagInputResponse
			decode(t, rec, &resp)
			if resp.ErrorCode != tt.code {
				t.Errorf("errorCode = %q, want %q", resp.ErrorCode, tt.code)
			}
			if inj.present {
				t.Error("no tag should be placed on a bad request")
			}
		})
	}
}

func TestTagInput_Present(t *testing.T) {
	inj := &fakeInjector{}
	s, _ := newTestServer(t, func(c *Config) { c.Virtual = inj })

	rec := serve(s, http.MethodPost, "/api/v1/tag", `{"uid":"04 a1 b2 c3","techs":["nfca","NfcA","IsoDep"],"ndefSize":27}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp protocol.TagInputResponse
	decode(t, rec, &resp)
	if !resp.Success || resp.UID != "04:A1:B2:C3" {
		t.Errorf("response = %+v", resp)
	}

	if nfc.FormatUID(inj.uid) != "04:A1:B2:C3" {
		t.Errorf("uid = %X", inj.uid)
	}
	if len(inj.techs) != 2 || inj.techs[0] != nfc.TechNfcA || inj.techs[1] != nfc.TechIsoDep {
		t.Errorf("techs = %v", inj.techs)
	}
	if inj.ndefSize != 27 {
		t.Errorf("ndefSize = %d", inj.ndefSize)
	}
}

func TestTagInput_DefaultsToNfcAWithoutNDEF(t *testing.T) {
	inj := &fakeInjector{}
	s, _ := newTestServer(t, func(c *Config) { c.Virtual = inj })

	if rec := serve(s, http.MethodPost, "/api/v1/tag", `{"uid":"04A1"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(inj.techs) != 1 || inj.techs[0] != nfc.TechNfcA {
		t.Errorf("techs = %v", inj.techs)
	}
	if inj.ndefSize != -1 {
		t.Errorf("ndefSize = %d, want -1", inj.ndefSize)
	}
}

func TestTagInput_RadioOff(t *testing.T) {
	inj := &fakeInjector{err: errors.New("radio off")}
	s, _ := newTestServer(t, func(c *Config) { c.Virtual = inj })

	rec := serve(s, http.MethodPost, "/api/v1/tag", `{"uid":"04A1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestTagRemove(t *testing.T) {
	inj := &fakeInjector{}
	s, _ := newTestServer(t, func(c *Config) { c.Virtual = inj })

	var resp protocol.TagInputResponse
	decode(t, serve(s, http.MethodDelete, "/api/v1/tag", ""), &resp)
	if !resp.Success || resp.Message != "No tag in the field" {
		t.Errorf("empty field response = %+v", resp)
	}

	serve(s, http.MethodPost, "/api/v1/tag", `{"uid":"04A1"}`)
	resp = protocol.TagInputResponse{}
	decode(t, serve(s, http.MethodDelete, "/api/v1/tag", ""), &resp)
	if resp.Message != "Tag removed from the field" {
		t.Errorf("response = %+v", resp)
	}
}

func TestTagInput_DrivesVirtualRadio(t *testing.T) {
	radio := nfc.NewVirtualAdapter()
	opts := readloop.DefaultOptions()
	opts.Logger = quietLogger()
	opts.ReadInterval = 10 * time.Millisecond
	ctrl := readloop.NewController(radio, opts)
	ctrl.Start()
	defer ctrl.Stop()

	s := New(Config{Controller: ctrl, Virtual: radio, Logger: quietLogger()})

	ctrl.Resume()
	waitFor(t, "discovery enabled", func() bool { return ctrl.Status().Polling })

	rec := serve(s, http.MethodPost, "/api/v1/tag", `{"uid":"04:A1:B2:C3","ndefSize":27}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	waitFor(t, "a read entry", func() bool {
		h := ctrl.History()
		return len(h) > 0 && h[0].Kind == readloop.KindRead
	})
	read := ctrl.History()[0]
	if read.UID != "04:A1:B2:C3" || read.Result != "NDEF Message Length: 27 bytes" {
		t.Errorf("read = %+v", read)
	}

	serve(s, http.MethodDelete, "/api/v1/tag", "")
	waitFor(t, "the session to end", func() bool { return !ctrl.Status().Active })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
