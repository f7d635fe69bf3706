package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// The avatar endpoints stay registered even when no bucket is configured
// and the signer is nil. They must answer 503 instead of panicking.
func TestAvatarUploadURLWithoutSigner(t *testing.T) {
	api := New(nil, nil, nil, nil)

	req := httptest.NewRequest("POST", "/avatars/upload-url", strings.NewReader(`{"contentType":"image/png"}`))
	rec := httptest.NewRecorder()
	api.handleAvatarUploadURL(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAvatarReadURLWithoutSigner(t *testing.T) {
	api := New(nil, nil, nil, nil)

	req := httptest.NewRequest("POST", "/avatars/read-url", strings.NewReader(`{"key":"avatars/abc"}`))
	rec := httptest.NewRecorder()
	api.handleAvatarReadURL(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
