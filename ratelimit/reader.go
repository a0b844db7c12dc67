package ratelimit

import (
	"context"
	"io"
)

type RateLimitedReader interface {
	io.ReadCloser
}

type rlReader struct {
	ctx context.Context
	rc  io.ReadCloser
	lim *ManagedLimiter
	pri Priority
}

// Read implements io.Reader with rate limiting.
//
// Bytes are acquired BEFORE performing the read, capped at the current
// single burst, so transfers are paced ahead of the I/O rather than
// metered after it. If the read returns fewer bytes than requested the
// acquired budget is still consumed; the over-reservation keeps the
// enforcement predictable on partial reads.
func (r *rlReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return r.rc.Read(p)
	}

	// the burst is re-read on every call so concurrent rate changes
	// are picked up by the next chunk
	burst := r.lim.limiter.SingleBurstBytes()
	chunk := int64(len(p))
	if chunk > burst {
		chunk = burst
	}

	if err := r.lim.request(r.ctx, chunk, r.pri); err != nil {
		return 0, err
	}

	return r.rc.Read(p[:chunk])
}

func (r *rlReader) Close() error {
	r.lim.SetInUse(false)
	return r.rc.Close()
}
