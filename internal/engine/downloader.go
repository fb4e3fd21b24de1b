package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/datallboy/gopod/internal/decoding"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/netx"
)

// fetchPage runs phase 1: download the episode page, decode it with its
// declared charset and locate the audio source.
func (t *Task) fetchPage() (*url.URL, error) {
	t.setPhase(phasePage)

	ctx, cancel := t.phaseContext(t.opts.PageTimeout)
	defer cancel()

	link := t.episode.PageLink
	t.log.Debug("Fetching page %s", link)

	page, err := t.client.GetPage(ctx, link)
	if err != nil {
		return nil, t.classify(err, domain.ErrNetwork, "page fetch")
	}

	if t.cancelled.Load() {
		return nil, fmt.Errorf("%w: page fetch", domain.ErrCancelled)
	}

	if len(page.Body) == 0 {
		return nil, fmt.Errorf("%w: page fetch: empty body from %s", domain.ErrNetwork, page.URL)
	}

	html, err := decoding.DecodePage(page.Body, page.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecoding, page.URL, err)
	}

	// Relative sources resolve against the page we ended up on after redirects
	base, err := url.Parse(page.URL)
	if err != nil {
		base = nil
	}

	src, ok := t.extractor.Extract(html, base)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExtraction, page.URL)
	}

	t.log.Debug("Found %s source %s", t.extractor.Name(), src)
	return src, nil
}

// fetchMedia runs phase 2: stream src into a temporary artifact next to the
// destination and move it into place. The artifact never outlives the call.
func (t *Task) fetchMedia(src *url.URL) error {
	t.setPhase(phaseMedia)

	if err := os.MkdirAll(filepath.Dir(t.destination), 0755); err != nil {
		return fmt.Errorf("%w: create destination directory: %w", domain.ErrFilesystem, err)
	}

	part := partPath(t.destination, t.attemptID)
	defer os.Remove(part)

	ctx, cancel := t.phaseContext(t.opts.MediaTimeout)
	defer cancel()

	_, err := netx.RetryOperation(ctx, t.opts.MediaRetry, func(attempt int) (struct{}, error) {
		if attempt > 0 {
			t.log.Warn("Retrying media fetch for %s (attempt %d)", t.episode.Title, attempt+1)
		}
		return struct{}{}, t.transfer(ctx, src.String(), part)
	})
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && !t.cancelled.Load() {
			return fmt.Errorf("%w: write %s: %w", domain.ErrFilesystem, part, err)
		}
		return t.classify(err, domain.ErrNetwork, "media fetch")
	}

	if t.cancelled.Load() {
		return fmt.Errorf("%w: before move", domain.ErrCancelled)
	}

	t.setPhase(phaseFinalize)
	if err := moveFile(part, t.destination); err != nil {
		return fmt.Errorf("%w: move to %s: %w", domain.ErrFilesystem, t.destination, err)
	}

	return nil
}

// transfer performs one attempt of the media download into part.
func (t *Task) transfer(ctx context.Context, rawURL, part string) error {
	req, err := grab.NewRequest(part, rawURL)
	if err != nil {
		return netx.Permanent(err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	req.NoCreateDirectories = true

	t.bytesWritten.Store(0)
	t.totalBytes.Store(-1)

	resp := t.grab.Do(req)

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

Loop:
	for {
		select {
		case <-ticker.C:
			t.sample(resp)
		case <-resp.Done:
			break Loop
		}
	}
	t.sample(resp)

	err = resp.Err()
	if err == nil {
		return nil
	}

	var code grab.StatusCodeError
	if errors.As(err, &code) {
		err = &netx.StatusError{URL: rawURL, StatusCode: int(code)}
	}
	if netx.IsRetryable(err) {
		return err
	}
	return netx.Permanent(err)
}

func (t *Task) sample(resp *grab.Response) {
	t.bytesWritten.Store(resp.BytesComplete())
	t.totalBytes.Store(resp.Size())
}
