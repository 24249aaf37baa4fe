package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietWebhook(url, header string, backlog int) *auditWebhook {
	w := &auditWebhook{
		url:     url,
		client:  &http.Client{Timeout: time.Second},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		retries: []time.Duration{time.Millisecond},
		backlog: make(chan auditRecord, backlog),
	}
	if header != "" {
		w.header = [2]string{"Authorization", header}
	}
	return w.start()
}

func TestNewAuditRecord_LiftsKnownAttrs(t *testing.T) {
	rec := newAuditRecord(AuditSend, "127.0.0.1:1234", "2026-03-01T12:00:00Z", []slog.Attr{
		slog.Int64("user_id", 7),
		slog.String("txid", "ab12"),
		slog.Float64("amount", 0.5),
	})
	assert.Equal(t, "nodedash", rec.Source)
	assert.Equal(t, AuditSend, rec.Event)
	assert.Equal(t, "7", rec.UserID)
	assert.Empty(t, rec.Reason)
	assert.Equal(t, map[string]string{"txid": "ab12", "amount": "0.5"}, rec.Fields)

	failure := newAuditRecord(AuditLoginFailure, "", "t", []slog.Attr{slog.String("reason", "bad_password")})
	assert.Equal(t, "bad_password", failure.Reason)
	assert.Nil(t, failure.Fields)
}

func TestWebhook_PostsRecordWithHeader(t *testing.T) {
	type delivery struct {
		rec    auditRecord
		header http.Header
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec auditRecord
		json.NewDecoder(r.Body).Decode(&rec)
		got <- delivery{rec: rec, header: r.Header.Clone()}
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "Authorization: Bearer siem-token")
	wh.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	wh.enqueue(newAuditRecord(AuditDescriptorsExport, "10.0.0.9:5555", "2026-03-01T12:00:00Z",
		[]slog.Attr{slog.Int64("user_id", 3)}))
	wh.close()

	d := <-got
	assert.Equal(t, AuditDescriptorsExport, d.rec.Event)
	assert.Equal(t, "3", d.rec.UserID)
	assert.Equal(t, "10.0.0.9:5555", d.rec.RemoteAddr)
	assert.Equal(t, "Bearer siem-token", d.header.Get("Authorization"))
	assert.Equal(t, "application/json", d.header.Get("Content-Type"))
}

func TestWebhook_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
	}{
		{name: "success first try", statuses: []int{http.StatusNoContent}, wantCalls: 1},
		{name: "5xx then success", statuses: []int{http.StatusBadGateway, http.StatusOK}, wantCalls: 2},
		{name: "5xx twice gives up", statuses: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK}, wantCalls: 2},
		{name: "4xx is final", statuses: []int{http.StatusUnauthorized, http.StatusOK}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			wh := quietWebhook(srv.URL, "", 4)
			wh.enqueue(auditRecord{Event: AuditLogout})
			wh.close()

			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestWebhook_FullBacklogDropsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := quietWebhook(srv.URL, "", 1)
	done := make(chan struct{})
	go func() {
		for range 20 {
			wh.enqueue(auditRecord{Event: AuditLoginFailure})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full backlog")
	}
	// One record is in flight and one fits the backlog; the rest are dropped.
	assert.GreaterOrEqual(t, wh.droppedCount(), 18)
}

func TestWebhook_CloseDeliversBacklog(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
	}))
	defer srv.Close()

	wh := quietWebhook(srv.URL, "", 16)
	for range 5 {
		wh.enqueue(auditRecord{Event: AuditSend})
	}
	wh.close()
	wh.close()

	assert.Equal(t, int32(5), count.Load())
	assert.Zero(t, wh.droppedCount())
}

func TestAuditLogger_ForwardsToWebhook(t *testing.T) {
	got := make(chan auditRecord, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec auditRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		got <- rec
	}))
	defer srv.Close()

	a := New(nil, nil, nil,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditWebhook(srv.URL, ""))
	defer a.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/wallet/unlock", nil)
	a.audit.logEvent(AuditSpendUnlocked, r, 42)

	select {
	case rec := <-got:
		assert.Equal(t, AuditSpendUnlocked, rec.Event)
		assert.Equal(t, "42", rec.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
}
