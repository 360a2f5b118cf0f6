// /internal/fetcher/fetcher.go
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/log"
)

// Status is the lifecycle position of one download.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusVerifying  Status = "verifying"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// DownloadState is a point-in-time view of a download.
type DownloadState struct {
	ArtifactID string `json:"artifact_id"`
	Fetched    int64  `json:"fetched"`
	Total      int64  `json:"total"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// Percent is 0..100, or -1 when the total is unknown.
func (s DownloadState) Percent() float64 {
	if s.Total <= 0 {
		return -1
	}
	return float64(s.Fetched) * 100 / float64(s.Total)
}

// Sink receives progress. It is called on the fetching goroutine.
type Sink func(DownloadState)

// Offsets reports the durably recorded resume offset of an artifact.
type Offsets interface {
	Offset(artifactID string) (int64, bool)
}

// Options tune the transport and progress reporting.
type Options struct {
	ConnectTimeout   time.Duration
	StallTimeout     time.Duration
	ProgressInterval time.Duration
	UserAgent        string
}

const chunkSize = 32 * 1024

// Fetcher downloads artifacts with resume and checksum verification.
// It never retries; retry policy belongs to the caller.
type Fetcher struct {
	client  *resty.Client
	offsets Offsets
	opts    Options
}

func New(opts Options, offsets Offsets) *Fetcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "hrs-launcher"
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.StallTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetHeader("User-Agent", opts.UserAgent)
	return &Fetcher{client: client, offsets: offsets, opts: opts}
}

// PartPath is where the partial data of dest is kept between attempts.
func PartPath(dest string) string {
	return dest + ".part"
}

// Fetch downloads ref to dest and returns dest once its checksum matches.
//
// Partial data is kept in PartPath(dest). A recorded offset resumes with a
// Range request; a server that ignores Range restarts the file from zero.
// On cancellation the partial file is preserved and the returned error
// carries the offset (see apperr.Offset).
func (f *Fetcher) Fetch(ctx context.Context, ref ArtifactRef, dest string, sink Sink) (string, error) {
	if sink == nil {
		sink = func(DownloadState) {}
	}
	if err := ref.Validate(); err != nil {
		return "", err
	}

	state := DownloadState{ArtifactID: ref.ID, Total: ref.Size, Status: StatusPending}
	sink(state)

	if _, err := os.Stat(dest); err == nil {
		if verr := VerifyFile(dest, ref.Checksum); verr == nil {
			log.Log.Debug("Artifact %s already present at %s", ref.ID, dest)
			state.Fetched, state.Status = fileSize(dest), StatusCompleted
			if state.Total == 0 {
				state.Total = state.Fetched
			}
			sink(state)
			return dest, nil
		}
		log.Log.Warn("Cached copy of %s failed verification, downloading again", ref.ID)
		_ = os.Remove(dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", f.fail(sink, state, apperr.Wrap(apperr.CodeIO, "create download directory", err))
	}

	part := PartPath(dest)
	offset := f.resumeOffset(ref, part)

	file, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", f.fail(sink, state, apperr.Wrap(apperr.CodeIO, "open partial file", err).With(apperr.MetaPath, part))
	}
	fetched, err := f.transfer(ctx, ref, file, offset, &state, sink)
	if cerr := closeSynced(file); err == nil && cerr != nil {
		err = apperr.Wrap(apperr.CodeIO, "flush partial file", cerr).With(apperr.MetaPath, part)
	}
	if err != nil {
		if e, ok := apperr.As(err); ok {
			e.With(apperr.MetaOffset, strconv.FormatInt(fetched, 10)).With(apperr.MetaArtifact, ref.ID)
		}
		state.Fetched = fetched
		if apperr.KindOf(err) == apperr.KindCancelled {
			state.Status, state.Reason = StatusPaused, ""
			sink(state)
			return "", err
		}
		return "", f.fail(sink, state, err)
	}

	state.Fetched, state.Status = fetched, StatusVerifying
	sink(state)
	if err := VerifyFile(part, ref.Checksum); err != nil {
		_ = os.Remove(part)
		if e, ok := apperr.As(err); ok {
			e.With(apperr.MetaOffset, "0").With(apperr.MetaArtifact, ref.ID)
		}
		return "", f.fail(sink, state, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return "", f.fail(sink, state, apperr.Wrap(apperr.CodeIO, "move verified download into place", err).With(apperr.MetaPath, dest))
	}

	state.Status = StatusCompleted
	if state.Total == 0 {
		state.Total = fetched
	}
	sink(state)
	log.Log.Info("Downloaded %s (%d bytes)", ref.ID, fetched)
	return dest, nil
}

// resumeOffset trusts a partial file only up to the durably recorded offset.
func (f *Fetcher) resumeOffset(ref ArtifactRef, part string) int64 {
	size := fileSize(part)
	if size <= 0 || f.offsets == nil {
		return 0
	}
	recorded, ok := f.offsets.Offset(ref.ID)
	if !ok || recorded <= 0 {
		return 0
	}
	offset := min(recorded, size)
	if ref.Size > 0 && offset > ref.Size {
		return 0
	}
	return offset
}

// transfer streams the body into file starting at offset and returns the
// number of bytes durably in the file.
func (f *Fetcher) transfer(ctx context.Context, ref ArtifactRef, file *os.File, offset int64, state *DownloadState, sink Sink) (int64, error) {
	if err := file.Truncate(offset); err != nil {
		return 0, apperr.Wrap(apperr.CodeIO, "truncate partial file", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, apperr.Wrap(apperr.CodeIO, "seek partial file", err)
	}
	state.Fetched, state.Status = offset, StatusInProgress
	sink(*state)

	if ref.Size > 0 && offset == ref.Size {
		return offset, nil
	}
	if err := ctx.Err(); err != nil {
		return offset, cancelled(err)
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(f.opts.StallTimeout, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()

	req := f.client.R().SetContext(reqCtx).SetDoNotParseResponse(true)
	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
		log.Log.Info("Resuming %s from byte %d", ref.ID, offset)
	}
	resp, err := req.Get(ref.URL)
	if err != nil {
		return offset, f.transportError(ctx, &stalled, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch code := resp.StatusCode(); {
	case code == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header().Get("Content-Range"))
		if !ok || start != offset {
			// The server sent a different slice than requested; the partial is unusable.
			_ = file.Truncate(0)
			return 0, apperr.Newf(apperr.CodeNetwork, "server answered range %q for offset %d", resp.Header().Get("Content-Range"), offset)
		}
		if total > 0 {
			state.Total = total
		}
	case code == http.StatusOK || code == http.StatusPartialContent:
		if offset > 0 {
			log.Log.Warn("Server ignored range request for %s, restarting from zero", ref.ID)
			if err := file.Truncate(0); err != nil {
				return 0, apperr.Wrap(apperr.CodeIO, "truncate partial file", err)
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return 0, apperr.Wrap(apperr.CodeIO, "seek partial file", err)
			}
			offset = 0
		}
		if cl := resp.RawResponse.ContentLength; cl > 0 && state.Total == 0 {
			state.Total = cl
		}
	case code == http.StatusRequestedRangeNotSatisfiable:
		_ = file.Truncate(0)
		return 0, apperr.Newf(apperr.CodeNetwork, "range %d- not satisfiable for %s", offset, ref.ID)
	case code == http.StatusTooManyRequests || code >= 500:
		return offset, apperr.Newf(apperr.CodeNetwork, "server returned %s for %s", resp.Status(), ref.ID).
			With(apperr.MetaStatus, strconv.Itoa(code))
	default:
		return offset, apperr.Newf(apperr.CodeHTTPStatus, "server returned %s for %s", resp.Status(), ref.ID).
			With(apperr.MetaStatus, strconv.Itoa(code))
	}

	fetched := offset
	state.Fetched = fetched
	sink(*state)
	lastEmit := time.Now()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fetched, cancelled(err)
		}
		n, rerr := body.Read(buf)
		watchdog.Reset(f.opts.StallTimeout)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return fetched, apperr.Wrap(apperr.CodeIO, "write partial file", werr)
			}
			fetched += int64(n)
			state.Fetched = fetched
			if time.Since(lastEmit) >= f.opts.ProgressInterval {
				sink(*state)
				lastEmit = time.Now()
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fetched, f.transportError(ctx, &stalled, rerr)
		}
	}

	if expected := state.Total; expected > 0 && fetched < expected {
		return fetched, apperr.Newf(apperr.CodeNetwork, "connection closed after %d of %d bytes", fetched, expected)
	}
	return fetched, nil
}

func (f *Fetcher) transportError(ctx context.Context, stalled *atomic.Bool, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx.Err())
	}
	if stalled.Load() {
		return apperr.Wrap(apperr.CodeNetwork, fmt.Sprintf("no data received for %s", f.opts.StallTimeout), err).With("stalled", "true")
	}
	return apperr.Wrap(apperr.CodeNetwork, "download interrupted", err)
}

func (f *Fetcher) fail(sink Sink, state DownloadState, err error) error {
	state.Status = StatusFailed
	state.Reason = err.Error()
	sink(state)
	log.Log.Warn("Download of %s failed: %v", state.ArtifactID, err)
	return err
}

func cancelled(cause error) *apperr.Error {
	return apperr.Wrap(apperr.CodeCancelled, "download cancelled", cause)
}

// parseContentRange parses "bytes <start>-<end>/<total>"; total is 0 when "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	rest, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

func closeSynced(file *os.File) error {
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func fileSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return info.Size()
}
