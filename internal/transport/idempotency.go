package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/idempotency"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/model"
)

// IdempotencyKeyHeader carries the client-chosen key of a retryable write.
const IdempotencyKeyHeader = "Idempotency-Key"

// Idempotent replays the stored response when a write is retried with the
// same Idempotency-Key and body. Requests without the header pass through.
// Server errors are not stored so they can be retried.
func Idempotent(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, model.NewBadRequestError("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := model.SystemSubject
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(r.Method+" "+r.URL.Path, subject, clientKey)
			hash := idempotency.HashRequest(body)

			stored, found, err := store.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				metrics.RecordIdempotentReplay()
				w.Header().Set("Idempotent-Replayed", "true")
				writeRaw(w, stored.Status, stored.Body)
				return
			}

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{Status: cw.status, Body: json.RawMessage(bytes.TrimSpace(cw.buf.Bytes()))}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				observability.LoggerFrom(r.Context(), logger).Warn("idempotency save failed",
					zap.String("key", clientKey), zap.Error(err))
			}
		})
	}
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

// captureWriter copies the response body while writing it through.
type captureWriter struct {
	http.ResponseWriter
	status  int
	written bool
	buf     bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.written = true
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
