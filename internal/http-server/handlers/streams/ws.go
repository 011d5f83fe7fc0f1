package streamshandler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/http-server/handlers"
	"github.com/ebudiman/visionary_nvr/internal/lib/api/response"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/lib/streamkey"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Watch upgrades the connection and pumps transport stream chunks to
// the client. Each connection holds one viewer reference; the last one
// to disconnect tears the session down.
func (h *StreamHandler) Watch(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.Watch"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.viewers == nil {
		handlers.Error(w, r, http.StatusNotFound, response.Error("fan-out output is not enabled", ""))

		return
	}

	key := chi.URLParam(r, "streamKey")

	sourceURL, err := h.resolveSource(key)
	if err != nil {
		handlers.Error(w, r, http.StatusNotFound, response.Error("stream not found", ""))

		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade connection", sl.Err(err))

		return
	}
	defer conn.Close()

	gen, err := h.previewer.EnsureStarted(r.Context(), key, sourceURL)
	if err != nil {
		log.Error("failed to start stream", slog.String("stream_key", key), sl.Err(err))

		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream unavailable"))

		return
	}

	viewer := h.viewers.AddViewer(key)

	// Releasing by generation keeps a connection whose session died
	// from decrementing a successor session for the same key.
	defer func() {
		h.viewers.RemoveViewer(key, viewer)
		h.previewer.ReleaseViewerFrom(key, gen)
	}()

	log.Info("viewer connected", slog.String("stream_key", key))

	// Drain client frames so close handshakes are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-viewer.Recv():
			if !ok {
				return
			}

			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// resolveSource maps a stream key back to its source URL. Camera ids
// win; anything else must be a url-safe encoding of the source itself.
func (h *StreamHandler) resolveSource(key string) (string, error) {
	cam, err := h.cameraProvider.Camera(key)
	if err == nil {
		if !cam.Recordable() {
			return "", errs.ErrCameraDisabled
		}

		return cam.SourceURL, nil
	}

	if !errors.Is(err, errs.ErrCameraNotFound) {
		return "", err
	}

	return streamkey.SourceURL(key)
}
