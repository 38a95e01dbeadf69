package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
)

func TestWriteErrorMapsServiceErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(events.WithRequestID(req.Context(), "req-7"))
	rec := httptest.NewRecorder()

	WriteError(rec, req, svcerrors.ErrProtocolNotFound.WithDetails("protocol_id", 9))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "protocol_not_found" || body.RequestID != "req-7" || body.Details["protocol_id"] != float64(9) {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, errors.New("dial tcp 10.0.0.1: refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.1") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Amount string `json:"amount"`
	}
	err := DecodeJSON(io.NopCloser(strings.NewReader(`{"amount":"1","extra":true}`)), &dst)
	if !svcerrors.Is(err, svcerrors.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if err := DecodeJSON(io.NopCloser(strings.NewReader(`{"amount":"5"}`)), &dst); err != nil || dst.Amount != "5" {
		t.Fatalf("decode: %v %+v", err, dst)
	}
}
