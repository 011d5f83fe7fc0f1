// Package preview owns the on-demand low-latency transcode sessions:
// one per stream-key, reference-counted by viewers, torn down with all
// on-disk artifacts when the last viewer disconnects.
package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/config"
	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/process"
)

// OutputSink is the output strategy shared by all sessions: either the
// playlist publisher (segmented manifest on disk) or the fan-out hub
// (raw encoded bytes to viewer connections). One strategy is chosen at
// boot and never mixed per key.
type OutputSink interface {
	// Prepare sets up per-key artifacts before the transcode spawns.
	Prepare(key string) error
	// Args returns the transcode invocation for the key.
	Args(key, sourceURL string) []string
	// Attach wires a freshly created handle before it starts.
	Attach(key string, handle *process.Handle)
	// Ready reports externally observable evidence that output flows.
	Ready(key string) bool
	// Cleanup removes per-key artifacts after the session ends.
	Cleanup(key string)
}

type session struct {
	key       string
	sourceURL string
	gen       uint64
	handle    *process.Handle
	viewers   int

	// ready is closed once startup resolves; startErr is valid after.
	ready    chan struct{}
	startErr error
}

// keyLock serializes session mutations for one stream-key. Entries are
// refcounted by their holders and waiters, so keys seen once (raw-URL
// previews especially) do not pin map entries for the process lifetime.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Manager keeps at most one preview session per stream-key. Mutations
// for the same key are serialized by a per-key lock so unrelated
// cameras never wait on each other.
type Manager struct {
	log  *slog.Logger
	sink OutputSink
	cfg  config.Preview

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*keyLock
	genSeq   uint64

	// injected for deterministic tests
	newProcess func(id, name string, args []string, log *slog.Logger) *process.Handle
}

func NewManager(log *slog.Logger, sink OutputSink, cfg config.Preview) *Manager {
	return &Manager{
		log:        log,
		sink:       sink,
		cfg:        cfg,
		sessions:   make(map[string]*session),
		locks:      make(map[string]*keyLock),
		newProcess: process.New,
	}
}

// lockKey acquires the key's mutex. Every lockKey is paired with one
// unlockKey on the returned entry.
func (m *Manager) lockKey(key string) *keyLock {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

func (m *Manager) unlockKey(key string, l *keyLock) {
	l.mu.Unlock()

	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

func (m *Manager) getSession(key string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	return sess, ok
}

func (m *Manager) putSession(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.genSeq++
	sess.gen = m.genSeq
	m.sessions[sess.key] = sess
}

// removeSession deletes the entry only if it still belongs to sess,
// so a stale exit callback cannot evict a newer session.
func (m *Manager) removeSession(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sess.key]
	if !ok || current != sess {
		return false
	}

	delete(m.sessions, sess.key)
	return true
}

// EnsureStarted attaches a viewer to the key's session, spawning the
// transcode if none exists. It returns only after output evidence
// appears or the start timeout expires. Two simultaneous first-viewers
// spawn exactly one process; the loser attaches to the winner's
// session. The returned generation identifies the session the viewer
// joined; pass it to ReleaseViewerFrom so a release that outlives the
// session cannot touch a successor.
func (m *Manager) EnsureStarted(ctx context.Context, key, sourceURL string) (uint64, error) {
	const op = "service.preview.EnsureStarted"

	log := m.log.With(
		slog.String("op", op),
		slog.String("stream_key", key),
	)

	l := m.lockKey(key)

	if sess, ok := m.getSession(key); ok {
		sess.viewers++
		viewers := sess.viewers
		m.unlockKey(key, l)

		log.Info("viewer attached to existing session", slog.Int("viewers", viewers))

		return sess.gen, m.awaitReady(ctx, sess)
	}

	sess, err := m.spawnLocked(key, sourceURL, log)
	m.unlockKey(key, l)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	go m.resolveStartup(sess, log)

	if err := m.awaitReady(ctx, sess); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return sess.gen, nil
}

// spawnLocked creates and starts the session's transcode. Caller holds
// the key lock. A spawn failure never leaves a registry entry behind.
func (m *Manager) spawnLocked(key, sourceURL string, log *slog.Logger) (*session, error) {
	if err := m.sink.Prepare(key); err != nil {
		log.Error("failed to prepare output sink", sl.Err(err))

		return nil, err
	}

	handle := m.newProcess(key, "ffmpeg", m.sink.Args(key, sourceURL), m.log)
	m.sink.Attach(key, handle)

	sess := &session{
		key:       key,
		sourceURL: sourceURL,
		handle:    handle,
		viewers:   1,
		ready:     make(chan struct{}),
	}

	handle.OnExit(func(code int) {
		m.handleExit(sess, code)
	})

	if err := handle.Start(); err != nil {
		log.Error("failed to start preview process", sl.Err(err))
		m.sink.Cleanup(key)

		return nil, err
	}

	m.putSession(sess)

	log.Info("preview session started", slog.Int("pid", handle.Pid()))

	return sess, nil
}

// resolveStartup polls for first-output evidence, failing the session
// if none appears within the timeout or the process dies first.
func (m *Manager) resolveStartup(sess *session, log *slog.Logger) {
	deadline := time.After(m.cfg.StartTimeout)
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if m.sink.Ready(sess.key) {
				close(sess.ready)
				return
			}

		case <-sess.handle.Done():
			log.Error("preview process exited before producing output",
				slog.Int("exit_code", sess.handle.ExitCode()))
			m.failStartup(sess, errs.ErrStreamFailed)
			return

		case <-deadline:
			log.Error("timed out waiting for stream output",
				slog.Duration("timeout", m.cfg.StartTimeout))
			m.failStartup(sess, errs.ErrStreamTimeout)
			return
		}
	}
}

func (m *Manager) failStartup(sess *session, err error) {
	l := m.lockKey(sess.key)
	removed := m.removeSession(sess)
	m.unlockKey(sess.key, l)

	sess.handle.Kill()
	if removed {
		m.sink.Cleanup(sess.key)
	}

	sess.startErr = err
	close(sess.ready)
}

// awaitReady blocks the caller until the session's startup resolves.
func (m *Manager) awaitReady(ctx context.Context, sess *session) error {
	select {
	case <-sess.ready:
		return sess.startErr
	case <-ctx.Done():
		m.release(sess.key, sess.gen)
		return ctx.Err()
	}
}

// ReleaseViewer detaches one viewer from whatever session currently
// owns the key. Stateless callers that track only the key use this
// form.
func (m *Manager) ReleaseViewer(key string) {
	m.release(key, 0)
}

// ReleaseViewerFrom detaches one viewer from the session identified by
// gen. When that session already died and a successor owns the key,
// the call is ignored.
func (m *Manager) ReleaseViewerFrom(key string, gen uint64) {
	m.release(key, gen)
}

// release detaches one viewer; the last one out tears the session down
// and removes its on-disk artifacts. A non-zero gen restricts the
// release to that exact session.
func (m *Manager) release(key string, gen uint64) {
	const op = "service.preview.ReleaseViewer"

	log := m.log.With(
		slog.String("op", op),
		slog.String("stream_key", key),
	)

	l := m.lockKey(key)

	sess, ok := m.getSession(key)
	if !ok || (gen != 0 && sess.gen != gen) {
		m.unlockKey(key, l)
		return
	}

	sess.viewers--
	if sess.viewers > 0 {
		viewers := sess.viewers
		m.unlockKey(key, l)

		log.Info("viewer released", slog.Int("viewers", viewers))

		return
	}

	m.removeSession(sess)
	m.unlockKey(key, l)

	log.Info("last viewer left, stopping preview session")

	sess.handle.Stop()
	m.sink.Cleanup(key)
}

// Drop force-stops the key's session regardless of attached viewers.
// Used when a camera is disabled or deleted out from under its stream;
// attached viewers observe the sink teardown and disconnect.
func (m *Manager) Drop(key string) {
	l := m.lockKey(key)
	sess, ok := m.getSession(key)
	if ok {
		m.removeSession(sess)
	}
	m.unlockKey(key, l)

	if !ok {
		return
	}

	m.log.Info("dropping preview session", slog.String("stream_key", key))

	sess.handle.Stop()
	m.sink.Cleanup(key)
}

// handleExit removes a session whose process died while viewers were
// still attached; reconnecting viewers re-trigger EnsureStarted.
func (m *Manager) handleExit(sess *session, code int) {
	l := m.lockKey(sess.key)
	removed := m.removeSession(sess)
	viewers := sess.viewers
	m.unlockKey(sess.key, l)

	if !removed {
		return
	}

	m.log.Warn("preview process exited with viewers attached",
		slog.String("stream_key", sess.key),
		slog.Int("exit_code", code),
		slog.Int("viewers", viewers),
	)

	m.sink.Cleanup(sess.key)
}

// ViewerCount reports the current refcount for a key, zero when no
// session exists.
func (m *Manager) ViewerCount(key string) int {
	l := m.lockKey(key)
	defer m.unlockKey(key, l)

	sess, ok := m.getSession(key)
	if !ok {
		return 0
	}

	return sess.viewers
}

// Shutdown stops every session. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		l := m.lockKey(sess.key)
		m.removeSession(sess)
		m.unlockKey(sess.key, l)

		sess.handle.Stop()
		m.sink.Cleanup(sess.key)
	}
}
