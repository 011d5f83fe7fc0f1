package preview

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/process"
)

const (
	manifestName = "stream.m3u8"

	// segments kept in the rolling window; older ones the transcoder
	// deletes itself via delete_segments.
	playlistWindow = 3
)

// Publisher is the segmented-manifest output sink: each session writes
// a playlist plus a small rolling set of segment files into its own
// directory, which is removed entirely when the session ends.
type Publisher struct {
	log  *slog.Logger
	root string

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPublisher(log *slog.Logger, root string) *Publisher {
	return &Publisher{
		log:    log,
		root:   root,
		active: make(map[string]struct{}),
	}
}

func (p *Publisher) dir(key string) string {
	return filepath.Join(p.root, key)
}

// ManifestPath returns the on-disk path of the key's playlist.
func (p *Publisher) ManifestPath(key string) string {
	return filepath.Join(p.dir(key), manifestName)
}

// Manifest reads the current playlist bytes, refusing keys without a
// live session so leftover files are never served. Content changes
// every few seconds, so callers must serve it with caching disabled.
func (p *Publisher) Manifest(key string) ([]byte, error) {
	const op = "service.preview.playlist.Manifest"

	p.mu.Lock()
	_, ok := p.active[key]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: no active session for key %q", op, key)
	}

	data, err := os.ReadFile(p.ManifestPath(key))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return data, nil
}

// Prepare removes any stale directory left by a previous run and
// creates a fresh one for the session.
func (p *Publisher) Prepare(key string) error {
	const op = "service.preview.playlist.Prepare"

	dir := p.dir(key)

	if err := os.RemoveAll(dir); err != nil {
		p.log.Warn("failed to remove stale playlist directory", slog.String("dir", dir), sl.Err(err))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	p.mu.Lock()
	p.active[key] = struct{}{}
	p.mu.Unlock()

	return nil
}

// Args builds the low-latency segmented invocation: no audio, small
// fixed quality, real-time tuning, rolling playlist window.
func (p *Publisher) Args(key, sourceURL string) []string {
	dir := p.dir(key)

	return []string{
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", sourceURL,
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-crf", "28",
		"-g", "30",
		"-hls_time", "2",
		"-hls_list_size", fmt.Sprintf("%d", playlistWindow),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		filepath.Join(dir, manifestName),
	}
}

// Attach is a no-op: playlist sessions publish through the filesystem.
func (p *Publisher) Attach(string, *process.Handle) {}

// Ready reports whether the first manifest has materialized.
func (p *Publisher) Ready(key string) bool {
	_, err := os.Stat(p.ManifestPath(key))
	return err == nil
}

// Cleanup removes the session's whole directory tree, never leaving
// orphaned segments behind.
func (p *Publisher) Cleanup(key string) {
	p.mu.Lock()
	delete(p.active, key)
	p.mu.Unlock()

	if err := os.RemoveAll(p.dir(key)); err != nil {
		p.log.Warn("failed to remove playlist directory", slog.String("stream_key", key), sl.Err(err))
	}
}
