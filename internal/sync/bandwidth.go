package sync

import (
	"context"
	"fmt"
	"io"
	"strings"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/onedrivesync/engine/internal/config"
)

// burstFactor sets the token bucket's burst size as a multiple of the
// per-second rate, so a brief lull in traffic can be spent on the next
// read/write without the limiter clamping sustained throughput below the
// configured cap.
const burstFactor = 2

// BandwidthLimiter throttles every concurrent transfer worker against one
// shared token bucket, so aggregate throughput across all downloads and
// uploads stays within the configured bandwidth_limit.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBandwidthLimiter builds a limiter from a bandwidth_limit config string
// such as "5MB/s" or "100KB/s". A limit of "0" or "" yields a nil limiter,
// which every wrap/throttle helper below treats as unlimited.
func NewBandwidthLimiter(bandwidthLimit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := parseBandwidthRate(bandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: parse limit %q: %w", bandwidthLimit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter means unlimited
	}

	burst := int(bytesPerSec) * burstFactor
	logger.Info("bandwidth: limiter created", "bytes_per_sec", bytesPerSec, "burst", burst)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		logger:  logger,
	}, nil
}

// parseBandwidthRate converts a "<size>/s" string (or bare "0") to
// bytes/sec, delegating the size portion to config.ParseSize.
func parseBandwidthRate(rate string) (int64, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" || rate == "0" {
		return 0, nil
	}

	sizePart := rate
	if idx := strings.LastIndex(strings.ToLower(rate), "/s"); idx >= 0 && idx == len(rate)-2 {
		sizePart = rate[:idx]
	}

	bytesPerSec, err := config.ParseSize(sizePart)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", rate, err)
	}

	if bytesPerSec < 0 {
		return 0, fmt.Errorf("invalid bandwidth rate %q: must be non-negative", rate)
	}

	return bytesPerSec, nil
}

// WrapReader returns r throttled to bl's rate, or r unchanged if bl is nil.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &throttledReader{r: r, tokens: bl.limiter, ctx: ctx}
}

// WrapWriter returns w throttled to bl's rate, or w unchanged if bl is nil.
func (bl *BandwidthLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return &throttledWriter{w: w, tokens: bl.limiter, ctx: ctx}
}

// wrapReader is a nil-safe package-level shim so call sites holding a
// possibly-nil *BandwidthLimiter don't each need their own nil check.
func wrapReader(bl *BandwidthLimiter, ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return bl.WrapReader(ctx, r)
}

// wrapWriter mirrors wrapReader for the write path.
func wrapWriter(bl *BandwidthLimiter, ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return bl.WrapWriter(ctx, w)
}

// throttledReader charges the shared token bucket for every byte read
// before returning it to the caller.
type throttledReader struct {
	r      io.Reader
	tokens *rate.Limiter
	ctx    context.Context
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if waitErr := consumeTokens(tr.tokens, tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// throttledWriter charges the shared token bucket for every byte written.
type throttledWriter struct {
	w      io.Writer
	tokens *rate.Limiter
	ctx    context.Context
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if n > 0 {
		if waitErr := consumeTokens(tw.tokens, tw.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// consumeTokens waits for n tokens from limiter, splitting the request into
// burst-sized chunks since rate.Limiter.WaitN rejects a request larger than
// the bucket's burst size.
func consumeTokens(limiter *rate.Limiter, ctx context.Context, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}

		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}
