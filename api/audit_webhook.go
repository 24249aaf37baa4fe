package api

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
)

const (
	webhookBacklog        = 1024
	webhookAttemptTimeout = 10 * time.Second
)

// auditRecord is the JSON document delivered for each audit event. user_id
// and reason are lifted out of the slog attributes; the rest go to fields.
type auditRecord struct {
	Source     string            `json:"source"`
	Event      AuditEvent        `json:"event"`
	Time       string            `json:"time"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func newAuditRecord(event AuditEvent, remoteAddr, ts string, attrs []slog.Attr) auditRecord {
	rec := auditRecord{Source: "nodedash", Event: event, Time: ts, RemoteAddr: remoteAddr}
	for _, a := range attrs {
		switch a.Key {
		case "user_id":
			rec.UserID = a.Value.String()
		case "reason":
			rec.Reason = a.Value.String()
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]string)
			}
			rec.Fields[a.Key] = a.Value.String()
		}
	}
	return rec
}

// auditWebhook ships audit records to an operator endpoint such as a SIEM
// collector. A single goroutine posts them in order. The backlog is bounded:
// when it is full new records are dropped and counted.
type auditWebhook struct {
	url    string
	header [2]string
	client *http.Client
	logger *slog.Logger
	// retries lists the pause before each extra attempt after a 5xx or a
	// transport error.
	retries []time.Duration

	backlog chan auditRecord
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	dropped int
}

func newAuditWebhook(url, header string) *auditWebhook {
	w := &auditWebhook{
		url:     url,
		client:  &http.Client{},
		logger:  slog.Default(),
		retries: []time.Duration{time.Second},
		backlog: make(chan auditRecord, webhookBacklog),
	}
	if name, value, ok := strings.Cut(header, ":"); ok {
		w.header = [2]string{strings.TrimSpace(name), strings.TrimSpace(value)}
	}
	return w.start()
}

func (w *auditWebhook) start() *auditWebhook {
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		for rec := range w.backlog {
			w.deliver(rec)
		}
	}()
	return w
}

// enqueue never blocks the request path.
func (w *auditWebhook) enqueue(rec auditRecord) {
	select {
	case w.backlog <- rec:
	default:
		w.mu.Lock()
		w.dropped++
		n := w.dropped
		w.mu.Unlock()
		w.logger.Warn("audit webhook backlog full, record dropped", "event", rec.Event, "dropped_total", n)
	}
}

// droppedCount reports how many records the full backlog has discarded.
func (w *auditWebhook) droppedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// close delivers what is queued, then stops the sender. Safe to call twice.
func (w *auditWebhook) close() {
	w.once.Do(func() {
		close(w.backlog)
		<-w.done
	})
}

func (w *auditWebhook) deliver(rec auditRecord) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("audit webhook encode failed", "event", rec.Event, "error", err)
		return
	}
	for attempt := 0; ; attempt++ {
		retry, err := w.post(body)
		if err == nil {
			return
		}
		if !retry || attempt >= len(w.retries) {
			w.logger.Warn("audit webhook delivery failed", "event", rec.Event, "attempts", attempt+1, "error", err)
			return
		}
		time.Sleep(w.retries[attempt])
	}
}

// post sends one attempt. retry reports whether another attempt may succeed.
func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nodedash-audit")
	if w.header[0] != "" {
		req.Header.Set(w.header[0], w.header[1])
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint rejected record with %d", resp.StatusCode)
	}
}
