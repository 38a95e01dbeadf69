// Package httputil holds the JSON request and response helpers shared by the
// API handlers and middleware.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// DecodeJSON decodes a request body into dst, rejecting unknown fields.
func DecodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return svcerrors.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

// WriteJSON writes data with status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError maps err to its status and code. Unclassified errors become 500s
// with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := svcerrors.HTTPStatus(err)
	resp := ErrorResponse{
		Error:   err.Error(),
		Code:    svcerrors.Code(err),
		Details: svcerrors.DetailsOf(err),
	}
	if r != nil {
		resp.RequestID = events.RequestIDFrom(r.Context())
	}
	if status == http.StatusInternalServerError && svcerrors.KindOf(err) == "" {
		resp.Error = "internal error"
	}
	WriteJSON(w, status, resp)
}
