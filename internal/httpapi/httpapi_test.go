package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeRegistry struct{ streams []StreamInfo }

func (f fakeRegistry) Snapshot() []StreamInfo { return f.streams }

type fakeReloader struct{ err error }

func (f fakeReloader) Reload() error { return f.err }

func TestHandleStreams_ReturnsSnapshot(t *testing.T) {
	reg := fakeRegistry{streams: []StreamInfo{{App: "live", Name: "foo", HasPublisher: true, SubscriberCount: 2}}}
	svc := NewService(reg, fakeReloader{})
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/streams", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Streams []StreamInfo `json:"streams"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 1 || body.Streams[0].Name != "foo" {
		t.Fatalf("unexpected streams: %+v", body.Streams)
	}
}

func TestHandleReload_InvokesReloader(t *testing.T) {
	svc := NewService(fakeRegistry{}, fakeReloader{})
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleReload_RejectsGet(t *testing.T) {
	svc := NewService(fakeRegistry{}, fakeReloader{})
	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/reload", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
