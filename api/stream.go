package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// streamError is the payload of an "error" event.
type streamError struct {
	Message string `json:"message"`
	T       int64  `json:"t"`
}

// Stream handles GET /stream, a server-sent event feed of node stats. It
// sends "hello" once, then "stats" (or "error") on every tick and a
// keep-alive comment in between. The feed ends when the client goes away.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "hello", OKResponse{OK: true}); err != nil {
		return
	}
	rc.Flush()

	stats := time.NewTicker(a.stream.Stats)
	defer stats.Stop()
	keepAlive := time.NewTicker(a.stream.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, serr := a.node.Stats(ctx)
			if ctx.Err() != nil {
				return
			}
			if serr != nil {
				err = writeEvent(w, "error", streamError{Message: serr.Error(), T: time.Now().UnixMilli()})
			} else {
				err = writeEvent(w, "stats", s)
			}
		case <-keepAlive.C:
			_, err = io.WriteString(w, ": keep-alive\n\n")
		}
		if err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
