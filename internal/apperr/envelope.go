package apperr

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// envelope is the wire format of §6: {"detail", "code", "request_id"}.
type envelope struct {
	Detail    string `json:"detail"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes the standard error envelope for err to w, deriving the
// status code and public code from its Kind. It never leaks an internal
// message for Internal-kind errors.
func WriteJSON(w http.ResponseWriter, err error) {
	WriteJSONRequest(w, nil, err)
}

// WriteJSONRequest is WriteJSON with access to the request for the
// X-Request-Id correlation header.
func WriteJSONRequest(w http.ResponseWriter, r *http.Request, err error) {
	var ae *Error
	kind := KindOf(err)
	msg := "internal error"
	code := ""
	if e, ok := err.(*Error); ok {
		ae = e
	}
	if ae != nil {
		if kind != Internal {
			msg = ae.Message
		}
		code = ae.Code
	}

	status := StatusCode(err)
	reqID := ""
	if r != nil {
		reqID = chimw.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	if reqID != "" {
		w.Header().Set("X-Request-Id", reqID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Detail: msg, Code: code, RequestID: reqID})
}
