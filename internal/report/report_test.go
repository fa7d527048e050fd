package report_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/report"
)

// captureBackend records the report requests it receives.
type captureBackend struct {
	mu      sync.Mutex
	path    string
	auth    string
	records []report.Record
}

func (b *captureBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var rec report.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.path = r.URL.Path
		b.auth = r.Header.Get("Authorization")
		b.records = append(b.records, rec)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
}

func TestReporter_DeliversRecords(t *testing.T) {
	t.Parallel()
	backend := &captureBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	r := report.NewReporter(config.ManagerAPIConfig{URL: srv.URL, Secret: "manager-secret"}, nil)
	if r == nil {
		t.Fatal("NewReporter returned nil with a configured manager API")
	}

	r.Enqueue(report.Record{DeviceID: "aa:bb", SessionID: "s1", Kind: report.KindASR, Text: "turn on the light"})
	r.Enqueue(report.Record{DeviceID: "aa:bb", SessionID: "s1", Kind: report.KindTTS, Text: "Done.", DurationMs: 850})
	r.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.records) != 2 {
		t.Fatalf("backend received %d records, want 2", len(backend.records))
	}
	if backend.path != "/agent/chat-history/report" {
		t.Errorf("path = %q, want /agent/chat-history/report", backend.path)
	}
	if backend.auth != "Bearer manager-secret" {
		t.Errorf("Authorization = %q, want bearer secret", backend.auth)
	}
	if backend.records[0].Kind != report.KindASR || backend.records[1].Kind != report.KindTTS {
		t.Errorf("record kinds = %v, %v; want asr then tts", backend.records[0].Kind, backend.records[1].Kind)
	}
	if backend.records[0].ReportTime == 0 {
		t.Error("ReportTime should be filled in when zero")
	}
}

func TestNewReporter_DisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	if r := report.NewReporter(config.ManagerAPIConfig{URL: "http://example.com"}, nil); r != nil {
		t.Error("NewReporter should return nil when the secret is empty")
	}
	if r := report.NewReporter(config.ManagerAPIConfig{Secret: "x"}, nil); r != nil {
		t.Error("NewReporter should return nil when the URL is empty")
	}
}

func TestReporter_NilIsInert(t *testing.T) {
	t.Parallel()
	var r *report.Reporter
	r.Enqueue(report.Record{Kind: report.KindASR, Text: "hello"})
	r.Close()
}

func TestReporter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	backend := &captureBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	r := report.NewReporter(config.ManagerAPIConfig{URL: srv.URL, Secret: "s"}, nil)
	r.Close()
	r.Close()

	// Enqueue after Close must not panic; the record is dropped.
	r.Enqueue(report.Record{Kind: report.KindASR, Text: "late"})
}

func TestReporter_DeliveryFailureDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	r := report.NewReporter(config.ManagerAPIConfig{URL: srv.URL, Secret: "s"}, nil)
	r.Enqueue(report.Record{Kind: report.KindASR, Text: "first"})
	r.Enqueue(report.Record{Kind: report.KindTTS, Text: "second"})
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("backend calls = %d, want 2 (worker continues after a failure)", calls)
	}
}
