package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/protocol"
)

// handleTagInput handles POST /api/v1/tag requests, placing a tag in the
// field of the virtual radio.
func (s *Server) handleTagInput(w http.ResponseWriter, r *http.Request) {
	if s.config.Virtual == nil {
		s.sendTagInputError(w, http.StatusConflict, protocol.ErrCodeNoVirtualRadio,
			"Tag input requires the virtual radio (-device virtual)")
		return
	}

	var req protocol.TagInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendTagInputError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest,
			"Failed to parse request body: "+err.Error())
		return
	}

	uid, err := protocol.ParseUID(req.UID)
	if err != nil {
		s.sendTagInputError(w, http.StatusBadRequest, protocol.ErrCodeInvalidUID, err.Error())
		return
	}

	techs, err := parseTechs(req.Techs)
	if err != nil {
		s.sendTagInputError(w, http.StatusBadRequest, protocol.ErrCodeInvalidTech, err.Error())
		return
	}
	ndefSize := -1
	if req.NDEFSize != nil {
		if *req.NDEFSize < 0 {
			s.sendTagInputError(w, http.StatusBadRequest, protocol.ErrCodeInvalidRequest,
				"ndefSize must not be negative")
			return
		}
		ndefSize = *req.NDEFSize
	}

	if _, err := s.config.Virtual.Present(uid, techs, ndefSize); err != nil {
		s.sendTagInputError(w, http.StatusServiceUnavailable, protocol.ErrCodeInternalError, err.Error())
		return
	}

	source := req.Source
	if source == "" {
		source = "http-api"
	}
	formatted := nfc.FormatUID(uid)
	s.logger.Printf("[http-api] Tag input received: UID=%s, Techs=%v, Source=%s", formatted, techs, source)

	writeJSON(w, http.StatusOK, protocol.TagInputResponse{
		Success: true,
		Message: "Tag placed in the field",
		UID:     formatted,
	})
}

// handleTagRemove handles DELETE /api/v1/tag, taking the current tag out
// of the field.
func (s *Server) handleTagRemove(w http.ResponseWriter, r *http.Request) {
	if s.config.Virtual == nil {
		s.sendTagInputError(w, http.StatusConflict, protocol.ErrCodeNoVirtualRadio,
			"Tag input requires the virtual radio (-device virtual)")
		return
	}

	msg := "No tag in the field"
	if s.config.Virtual.Remove() {
		msg = "Tag removed from the field"
		s.logger.Printf("[http-api] Tag removed")
	}
	writeJSON(w, http.StatusOK, protocol.TagInputResponse{
		Success: true,
		Message: msg,
	})
}

// parseTechs maps technology names to TechTypes. An empty list means NfcA.
func parseTechs(names []string) ([]nfc.TechType, error) {
	if len(names) == 0 {
		return []nfc.TechType{nfc.TechNfcA}, nil
	}
	techs := make([]nfc.TechType, 0, len(names))
	for _, name := range names {
		t, ok := nfc.ParseTechType(name)
		if !ok {
			return nil, fmt.Errorf("unknown technology %q", name)
		}
		techs = appendTech(techs, t)
	}
	return techs, nil
}

func appendTech(techs []nfc.TechType, t nfc.TechType) []nfc.TechType {
	for _, have := range techs {
		if have == t {
			return techs
		}
	}
	return append(techs, t)
}

// sendTagInputError sends an error response for tag input endpoint.
func (s *Server) sendTagInputError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, protocol.TagInputResponse{
		Success:   false,
		Error:     message,
		ErrorCode: errorCode,
	})
}
