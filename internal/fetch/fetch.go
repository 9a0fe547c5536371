// Package fetch streams a single URL into a file with byte-range resume,
// cooperative pause/cancel and an optional shared bandwidth cap.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vaultfetch/vaultfetch/internal/control"
)

const defaultIncrement = 64 * 1024

var (
	ErrUnexpectedStatus = errors.New("fetch: unexpected status")
	ErrSizeMismatch     = errors.New("fetch: size mismatch")
)

// Outcome describes how a fetch ended.
type Outcome int

const (
	Completed Outcome = iota + 1
	Paused
	Cancelled
	// Aborted means ctx ended; callers report nothing.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Paused:
		return "paused"
	case Cancelled:
		return "cancelled"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Request describes one transfer.
type Request struct {
	URL  string
	Path string
	// Size is the expected total length; zero when unknown.
	Size int64
	// Control is polled before start and after every increment.
	Control control.Receiver
	// OnProgress receives the cumulative byte count after every increment.
	OnProgress func(total int64)
}

// Result is returned by Fetch.
type Result struct {
	Outcome Outcome
	// Offset is where the transfer resumed from.
	Offset int64
	// Total is the number of bytes present in the file when the fetch ended.
	Total int64
}

// Options configures a Fetcher.
type Options struct {
	Increment      int
	MaxBytesPerSec int64
	HTTPClient     *http.Client
}

// Fetcher performs transfers. It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	increment int
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// New creates a Fetcher.
func New(opts Options, logger zerolog.Logger) *Fetcher {
	inc := opts.Increment
	if inc <= 0 {
		inc = defaultIncrement
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}

	f := &Fetcher{
		client:    client,
		increment: inc,
		logger:    logger.With().Str("component", "fetch").Logger(),
	}
	if opts.MaxBytesPerSec > 0 {
		burst := int(opts.MaxBytesPerSec)
		if burst < inc {
			burst = inc
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSec), burst)
	}
	return f
}

// No whole-request timeout: large transfers are only stopped by cancel or shutdown.
func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   16,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch downloads req.URL into req.Path, resuming from the length of any
// existing partial file.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{Outcome: Aborted}, nil
	}

	offset := existingSize(req.Path)
	if sig, ok := req.Control.Poll(); ok {
		return f.stop(req, sig, offset)
	}

	if req.Size > 0 && offset == req.Size {
		report(req, offset)
		return Result{Outcome: Completed, Offset: offset, Total: offset}, nil
	}
	if req.Size > 0 && offset > req.Size {
		f.logger.Warn().Str("path", req.Path).Int64("have", offset).Int64("want", req.Size).
			Msg("Partial file larger than expected, restarting")
		offset = 0
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return Result{Offset: offset, Total: offset}, fmt.Errorf("failed to create directory: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{Offset: offset, Total: offset}, fmt.Errorf("failed to create request: %w", err)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Aborted, Offset: offset, Total: offset}, nil
		}
		return Result{Offset: offset, Total: offset}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 && req.Size == 0:
		report(req, offset)
		return Result{Outcome: Completed, Offset: offset, Total: offset}, nil
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			f.logger.Debug().Str("url", req.URL).Msg("Server ignored range, restarting from zero")
		}
		offset = 0
		flags |= os.O_TRUNC
	default:
		return Result{Offset: offset, Total: offset}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	out, err := os.OpenFile(req.Path, flags, 0o644)
	if err != nil {
		return Result{Offset: offset, Total: offset}, fmt.Errorf("failed to open %s: %w", req.Path, err)
	}

	total, res, err := f.copy(ctx, req, resp.Body, out, offset)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close %s: %w", req.Path, cerr)
	}
	if err != nil || res.Outcome != 0 {
		if res.Outcome == Cancelled {
			removePartial(f.logger, req.Path)
		}
		res.Offset, res.Total = offset, total
		return res, err
	}

	if req.Size > 0 && total != req.Size {
		return Result{Offset: offset, Total: total}, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, total, req.Size)
	}
	return Result{Outcome: Completed, Offset: offset, Total: total}, nil
}

// copy streams body into out in increments. A zero Outcome with nil error
// means the body reached EOF.
func (f *Fetcher) copy(ctx context.Context, req Request, body io.Reader, out io.Writer, offset int64) (int64, Result, error) {
	buf := make([]byte, f.increment)
	total := offset

	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if f.limiter != nil {
				if err := f.limiter.WaitN(ctx, n); err != nil {
					if ctx.Err() != nil {
						return total, Result{Outcome: Aborted}, nil
					}
					return total, Result{}, fmt.Errorf("bandwidth limit: %w", err)
				}
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return total, Result{}, fmt.Errorf("failed to write %s: %w", req.Path, err)
			}
			total += int64(n)
			report(req, total)
		}

		if ctx.Err() != nil {
			return total, Result{Outcome: Aborted}, nil
		}
		if sig, ok := req.Control.Poll(); ok {
			if sig == control.Cancel {
				return total, Result{Outcome: Cancelled}, nil
			}
			return total, Result{Outcome: Paused}, nil
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return total, Result{}, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return total, Result{Outcome: Aborted}, nil
			}
			return total, Result{}, fmt.Errorf("failed to read body: %w", rerr)
		}
	}
}

func (f *Fetcher) stop(req Request, sig control.Signal, offset int64) (Result, error) {
	if sig == control.Cancel {
		removePartial(f.logger, req.Path)
		return Result{Outcome: Cancelled}, nil
	}
	return Result{Outcome: Paused, Offset: offset, Total: offset}, nil
}

func report(req Request, total int64) {
	if req.OnProgress != nil {
		req.OnProgress(total)
	}
}

func existingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}
	return info.Size()
}

func removePartial(logger zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil {
		logger.Debug().Err(err).Str("path", path).Msg("Partial file already removed")
	}
}
