package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Guard replays the first response recorded for an Idempotency-Key. Requests
// without the header pass straight through.
type Guard struct {
	Store  Store
	Window time.Duration
	Logger *slog.Logger
	Now    func() time.Time

	inflight sync.Map
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(r, body)

		if _, busy := g.inflight.LoadOrStore(key, struct{}{}); busy {
			writeError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
			return
		}
		defer g.inflight.Delete(key)

		existing, err := g.Store.Get(ctx, key)
		if err != nil {
			g.logger().Error("idempotency lookup failed", "key", key, "error", err)
		}
		if existing != nil {
			if existing.Fingerprint != fp {
				writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}

		now := g.now()
		record := Record{
			StatusCode:  rec.status,
			Response:    rec.body.Bytes(),
			Fingerprint: fp,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.window()),
		}
		if err := g.Store.Save(ctx, key, record); err != nil {
			g.logger().Error("idempotency save failed", "key", key, "error", err)
		}
	})
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) window() time.Duration {
	if g.Window <= 0 {
		return 24 * time.Hour
	}
	return g.Window
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recorder tees the response so it can be stored after the handler returns.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
