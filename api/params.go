package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultBlocksLimit  = 10
	defaultMempoolLimit = 50

	maxAuthBodySize   = 4 << 10
	maxSmallBodySize  = 16 << 10
	maxBackupBodySize = 1 << 20
)

// clampInt parses raw as an integer and clamps it to [lo, hi]. Missing or
// unparsable values yield def.
func clampInt(raw string, lo, hi, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return max(lo, min(n, hi))
}

// queryInt is clampInt over a query parameter.
func queryInt(r *http.Request, name string, lo, hi, def int) int {
	return clampInt(r.URL.Query().Get(name), lo, hi, def)
}

// decodeJSON reads a JSON body of at most limit bytes into T. On failure it
// writes a 400 and returns false. An empty body decodes to the zero T.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return v, false
	}
	return v, true
}

// flexAmount decodes a coin amount given either as a JSON number or as a
// numeric string, the way HTML forms submit it. Unparsable input decodes
// to NaN so the send validation rejects it with its own error code.
type flexAmount float64

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		f = math.NaN()
	}
	*a = flexAmount(f)
	return nil
}
