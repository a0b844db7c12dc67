package ratelimit

import (
	"context"
	"net/http"
)

type RateLimitedHTTPResponseWriter interface {
	http.ResponseWriter
	Close() error
}

type rlWriter struct {
	ctx context.Context
	w   http.ResponseWriter
	lim *ManagedLimiter
	pri Priority
}

func (w *rlWriter) Header() http.Header {
	return w.w.Header()
}

func (w *rlWriter) WriteHeader(code int) {
	w.w.WriteHeader(code)
}

// Write implements http.ResponseWriter.Write with rate limiting.
//
// The method writes data in chunks no larger than the single burst,
// acquiring bytes before each chunk. If a chunk write fails partway
// through, budget for the full chunk is consumed even though fewer
// bytes were written. This is the same trade-off as in Read, it
// prioritizes rate limit enforcement over byte-level precision.
func (w *rlWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		burst := w.lim.limiter.SingleBurstBytes()
		chunk := int64(len(p) - written)
		if chunk > burst {
			chunk = burst
		}
		err := w.lim.request(w.ctx, chunk, w.pri)
		if err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+int(chunk)])
		written += n
		if err != nil {
			return written, err
		}
		// Optionally flush to reduce buffering latency for streaming
		if f, ok := w.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return written, nil
}

func (w *rlWriter) Close() error {
	w.lim.SetInUse(false)
	return nil
}
