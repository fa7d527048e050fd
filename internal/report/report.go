// Package report ships ASR and TTS usage records to the management backend.
//
// Each connection owns one Reporter: a bounded queue drained by a single
// background worker that POSTs records upstream. Reporting is strictly
// best-effort: the queue drops on overflow, delivery failures are logged and
// forgotten, and the whole package is inert when no manager secret is
// configured or the device is unbound.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/auricle/internal/config"
)

// Kind distinguishes the two usage record types.
type Kind string

const (
	// KindASR is a recognized user utterance.
	KindASR Kind = "asr"

	// KindTTS is a synthesized assistant reply.
	KindTTS Kind = "tts"
)

// Record is one usage event.
type Record struct {
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
	Kind       Kind   `json:"type"`
	Text       string `json:"text"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	ReportTime int64  `json:"report_time"`
}

// queueSize bounds the per-connection backlog. A stalled backend must never
// grow memory with the conversation.
const queueSize = 64

// postTimeout caps a single delivery attempt.
const postTimeout = 10 * time.Second

// Reporter queues usage records for one connection and delivers them from a
// background worker. The zero value is a disabled reporter; use NewReporter.
type Reporter struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// NewReporter creates a Reporter for one connection and starts its worker.
// It returns nil when the manager API is not configured; callers treat a nil
// Reporter as disabled, so an unbound or standalone connection costs nothing.
func NewReporter(cfg config.ManagerAPIConfig, logger *slog.Logger) *Reporter {
	if cfg.Secret == "" || cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		url:    strings.TrimRight(cfg.URL, "/") + "/agent/chat-history/report",
		secret: cfg.Secret,
		client: &http.Client{Timeout: postTimeout},
		log:    logger.With("component", "report"),
		queue:  make(chan Record, queueSize),
		done:   make(chan struct{}),
	}
	go r.worker()
	return r
}

// Enqueue adds a record to the delivery queue without blocking. Records are
// dropped when the queue is full or the reporter is nil or closed.
func (r *Reporter) Enqueue(rec Record) {
	if r == nil {
		return
	}
	if rec.ReportTime == 0 {
		rec.ReportTime = time.Now().Unix()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("report queue full, dropping record", "kind", rec.Kind, "device_id", rec.DeviceID)
	}
}

// Close stops the worker after the queued records are delivered. Safe on a
// nil Reporter and safe to call more than once.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// worker drains the queue until Close.
func (r *Reporter) worker() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.post(rec); err != nil {
			r.log.Warn("usage report failed", "kind", rec.Kind, "error", err)
		}
	}
}

// post delivers one record upstream.
func (r *Reporter) post(rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("report: marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("report: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report: backend returned %s", resp.Status)
	}
	return nil
}
