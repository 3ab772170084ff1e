package middleware

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"quotagate/internal/handler/http/requestid"
)

// finalizeWriter injects rate-limit headers the moment the response
// status is committed. The registry entry is consumed exactly once;
// later writes see headers already set.
type finalizeWriter struct {
	http.ResponseWriter
	controller  *Controller
	requestID   string
	wroteHeader bool
	finalized   bool
}

// finalize consumes the registry entry for this request and stamps the
// rate-limit headers. Removing the entry here, rather than in the
// phase middlewares, keeps the registry bounded on the normal path and
// guarantees one request cannot observe another's outcome.
func (fw *finalizeWriter) finalize(statusCode int) {
	if fw.finalized {
		return
	}
	fw.finalized = true

	outcome := fw.controller.registry.GetAndRemove(fw.requestID)
	if outcome == nil {
		return
	}
	SetRateLimitHeaders(fw.Header(), outcome)
	if statusCode == http.StatusTooManyRequests {
		fw.Header().Set(HeaderRetryAfter, strconv.FormatInt(outcome.ResetSeconds, 10))
	}
}

func (fw *finalizeWriter) WriteHeader(statusCode int) {
	if !fw.wroteHeader {
		fw.wroteHeader = true
		fw.finalize(statusCode)
	}
	fw.ResponseWriter.WriteHeader(statusCode)
}

func (fw *finalizeWriter) Write(b []byte) (int, error) {
	if !fw.wroteHeader {
		fw.WriteHeader(http.StatusOK)
	}
	return fw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher when the underlying writer does.
func (fw *finalizeWriter) Flush() {
	if flusher, ok := fw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker when the underlying writer does, so
// websocket and other upgrade handlers keep working behind the
// finalizer. A hijacked connection bypasses WriteHeader; the entry is
// consumed here so it does not linger until the sweep.
func (fw *finalizeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := fw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	fw.finalize(http.StatusSwitchingProtocols)
	fw.wroteHeader = true
	return hijacker.Hijack()
}

// ReadFrom preserves the underlying writer's io.ReaderFrom fast path
// (sendfile for static content).
func (fw *finalizeWriter) ReadFrom(src io.Reader) (int64, error) {
	if !fw.wroteHeader {
		fw.WriteHeader(http.StatusOK)
	}
	if rf, ok := fw.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(src)
	}
	return io.Copy(fw.ResponseWriter, src)
}

// Finalizer returns the middleware that wraps the response writer for
// header injection. It must sit outside every phase middleware in the
// chain. If no request ID was assigned upstream it generates one, so
// concurrent requests can never share a registry entry.
func (c *Controller) Finalizer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestid.FromContext(r.Context())
			if requestID == "" {
				requestID = uuid.New().String()
				r = r.WithContext(requestid.WithRequestID(r.Context(), requestID))
			}

			fw := &finalizeWriter{
				ResponseWriter: w,
				controller:     c,
				requestID:      requestID,
			}
			next.ServeHTTP(fw, r)

			// Handlers that return without writing leave the status to
			// net/http; headers are still mutable at this point.
			if !fw.wroteHeader {
				fw.finalize(http.StatusOK)
			}
		})
	}
}
