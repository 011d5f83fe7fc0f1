package preview

import (
	"log/slog"
	"sync"

	"github.com/ebudiman/visionary_nvr/internal/process"
)

// viewerBuffer bounds how far a slow consumer may fall behind before it
// is pruned.
const viewerBuffer = 256

// Viewer is one attached consumer connection. Chunks arrive on Recv in
// producer order; the channel closes when the viewer is pruned or the
// session ends.
type Viewer struct {
	recv chan []byte
	once sync.Once
}

func newViewer() *Viewer {
	return &Viewer{recv: make(chan []byte, viewerBuffer)}
}

// Recv delivers output chunks until the viewer is detached.
func (v *Viewer) Recv() <-chan []byte {
	return v.recv
}

func (v *Viewer) close() {
	v.once.Do(func() {
		close(v.recv)
	})
}

// Hub is the raw byte-stream output sink: every chunk the transcode
// produces is broadcast to all open viewers of its stream-key. Slow
// viewers are pruned lazily on write failure rather than proactively.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	viewers map[string]map[*Viewer]struct{}
	flowing map[string]bool
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		viewers: make(map[string]map[*Viewer]struct{}),
		flowing: make(map[string]bool),
	}
}

// AddViewer registers a consumer for the key. Joining mid-stream yields
// playback starting from the next chunk.
func (h *Hub) AddViewer(key string) *Viewer {
	v := newViewer()

	h.mu.Lock()
	set, ok := h.viewers[key]
	if !ok {
		set = make(map[*Viewer]struct{})
		h.viewers[key] = set
	}
	set[v] = struct{}{}
	h.mu.Unlock()

	return v
}

// RemoveViewer detaches a consumer and closes its channel.
func (h *Hub) RemoveViewer(key string, v *Viewer) {
	h.mu.Lock()
	if set, ok := h.viewers[key]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.viewers, key)
		}
	}
	h.mu.Unlock()

	v.close()
}

// broadcast fans one chunk out to every viewer of the key. A viewer
// whose buffer is full cannot keep up and is pruned.
func (h *Hub) broadcast(key string, chunk []byte) {
	h.mu.Lock()
	if !h.flowing[key] {
		h.flowing[key] = true
	}

	var stale []*Viewer
	for v := range h.viewers[key] {
		select {
		case v.recv <- chunk:
		default:
			stale = append(stale, v)
		}
	}

	for _, v := range stale {
		delete(h.viewers[key], v)
		h.log.Warn("pruning slow viewer", slog.String("stream_key", key))
	}
	h.mu.Unlock()

	for _, v := range stale {
		v.close()
	}
}

// Prepare resets the first-output marker for a fresh session.
func (h *Hub) Prepare(key string) error {
	h.mu.Lock()
	delete(h.flowing, key)
	h.mu.Unlock()

	return nil
}

// Args builds the low-latency invocation pushing an MPEG-TS elementary
// stream to stdout.
func (h *Hub) Args(key, sourceURL string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", sourceURL,
		"-an",
		"-c:v", "mpeg1video",
		"-q:v", "7",
		"-b:v", "1000k",
		"-r", "25",
		"-f", "mpegts",
		"-",
	}
}

// Attach subscribes the hub to the transcode's stdout.
func (h *Hub) Attach(key string, handle *process.Handle) {
	handle.OnOutput(func(chunk []byte) {
		h.broadcast(key, chunk)
	})
}

// Ready reports whether the first output chunk was emitted.
func (h *Hub) Ready(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.flowing[key]
}

// Cleanup detaches every remaining viewer of the key.
func (h *Hub) Cleanup(key string) {
	h.mu.Lock()
	set := h.viewers[key]
	delete(h.viewers, key)
	delete(h.flowing, key)
	h.mu.Unlock()

	for v := range set {
		v.close()
	}
}

// ViewerCount reports the size of the key's fan-out set.
func (h *Hub) ViewerCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.viewers[key])
}
