package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotOpened   = errors.New("camera source not opened")
	ErrEndOfStream = errors.New("end of recorded frames")
)

// Source yields frames for one camera.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	// Rewind resets the playback cursor of recorded sources.
	Rewind()
	Opened() bool
	Close() error
}

// PlaybackSource replays a directory of recorded frames in name order.
type PlaybackSource struct {
	dir string

	mu     sync.Mutex
	frames []string
	cursor int
	closed bool
}

func NewPlaybackSource(dir string) (*PlaybackSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", dir, err)
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("recording %s holds no frames", dir)
	}
	slices.Sort(frames)

	return &PlaybackSource{dir: dir, frames: frames}, nil
}

func (p *PlaybackSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrNotOpened
	}
	if p.cursor >= len(p.frames) {
		p.mu.Unlock()
		return nil, ErrEndOfStream
	}
	path := p.frames[p.cursor]
	p.cursor++
	p.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (p *PlaybackSource) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
}

func (p *PlaybackSource) Opened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *PlaybackSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// HTTPSource fetches a single JPEG snapshot per read from a network camera.
type HTTPSource struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	failed bool
	closed bool
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Read(ctx context.Context) (image.Image, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, ErrNotOpened
	}

	img, err := h.fetch(ctx)

	h.mu.Lock()
	h.failed = err != nil
	h.mu.Unlock()
	return img, err
}

func (h *HTTPSource) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

func (h *HTTPSource) Rewind() {}

// Opened turns false after a failed fetch and recovers on the next success.
func (h *HTTPSource) Opened() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && !h.failed
}

func (h *HTTPSource) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.client.CloseIdleConnections()
	return nil
}
