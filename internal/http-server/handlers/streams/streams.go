package streamshandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/http-server/handlers"
	"github.com/ebudiman/visionary_nvr/internal/lib/api/response"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/lib/streamkey"
	"github.com/ebudiman/visionary_nvr/internal/services/preview"
)

// Previewer is the preview-session core consumed by this handler.
type Previewer interface {
	EnsureStarted(ctx context.Context, key, sourceURL string) (uint64, error)
	ReleaseViewer(key string)
	ReleaseViewerFrom(key string, gen uint64)
}

// CameraProvider resolves camera ids to their source URLs.
type CameraProvider interface {
	Camera(cameraID string) (models.Camera, error)
}

// ManifestProvider serves playlist bytes; nil when the fan-out sink is
// active.
type ManifestProvider interface {
	Manifest(key string) ([]byte, error)
}

// ViewerRegistry attaches fan-out viewers; nil when the playlist sink
// is active.
type ViewerRegistry interface {
	AddViewer(key string) *preview.Viewer
	RemoveViewer(key string, v *preview.Viewer)
}

type StreamHandler struct {
	log            *slog.Logger
	previewer      Previewer
	cameraProvider CameraProvider
	manifests      ManifestProvider
	viewers        ViewerRegistry
}

func New(
	log *slog.Logger,
	previewer Previewer,
	cameraProvider CameraProvider,
	manifests ManifestProvider,
	viewers ViewerRegistry,
) *StreamHandler {
	return &StreamHandler{
		log:            log,
		previewer:      previewer,
		cameraProvider: cameraProvider,
		manifests:      manifests,
		viewers:        viewers,
	}
}

type CameraRequest struct {
	CameraID string `json:"camera_id" validate:"required"`
}

type PreviewRequest struct {
	SourceURL string `json:"rtsp_url" validate:"required,url"`
}

// Start ensures a preview session exists for a registered camera. The
// caller holds one viewer reference until it posts Stop.
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.Start"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req CameraRequest
	if !h.decode(w, r, &req, log) {
		return
	}

	cam, err := h.cameraProvider.Camera(req.CameraID)
	if err != nil {
		if errors.Is(err, errs.ErrCameraNotFound) {
			handlers.Error(w, r, http.StatusNotFound, response.Error("camera not found", ""))

			return
		}

		log.Error("failed to get camera", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not start stream", middleware.GetReqID(r.Context())))

		return
	}

	if !cam.Recordable() {
		handlers.Error(w, r, http.StatusUnprocessableEntity, response.Error("camera is disabled or has no source url", ""))

		return
	}

	key := streamkey.FromCameraID(cam.CameraID)

	if _, err := h.previewer.EnsureStarted(r.Context(), key, cam.SourceURL); err != nil {
		log.Error("failed to start stream", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not start stream", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"stream_key": key})
}

// Stop releases the viewer reference acquired by Start.
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.Stop"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req CameraRequest
	if !h.decode(w, r, &req, log) {
		return
	}

	h.previewer.ReleaseViewer(streamkey.FromCameraID(req.CameraID))

	render.JSON(w, r, map[string]string{"message": "stream released"})
}

// StartPreview ensures a session for a raw source URL that is not yet
// registered as a camera.
func (h *StreamHandler) StartPreview(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.StartPreview"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req PreviewRequest
	if !h.decode(w, r, &req, log) {
		return
	}

	key := streamkey.FromSourceURL(req.SourceURL)

	if _, err := h.previewer.EnsureStarted(r.Context(), key, req.SourceURL); err != nil {
		log.Error("failed to start preview", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not start stream", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"preview_id": key})
}

// StopPreview releases the raw-URL preview reference.
func (h *StreamHandler) StopPreview(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.StopPreview"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req PreviewRequest
	if !h.decode(w, r, &req, log) {
		return
	}

	h.previewer.ReleaseViewer(streamkey.FromSourceURL(req.SourceURL))

	render.JSON(w, r, map[string]string{"message": "preview released"})
}

// Playlist serves the session's current manifest bytes. Content changes
// every few seconds, so caching is disabled.
func (h *StreamHandler) Playlist(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.streams.Playlist"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.manifests == nil {
		handlers.Error(w, r, http.StatusNotFound, response.Error("playlist output is not enabled", ""))

		return
	}

	key := chi.URLParam(r, "streamKey")

	data, err := h.manifests.Manifest(key)
	if err != nil {
		log.Warn("manifest not available", slog.String("stream_key", key), sl.Err(err))

		handlers.Error(w, r, http.StatusNotFound, response.Error("stream not found", ""))

		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (h *StreamHandler) decode(w http.ResponseWriter, r *http.Request, req interface{}, log *slog.Logger) bool {
	err := render.DecodeJSON(r.Body, req)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return false
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return false
	}

	if err := validator.New().Struct(req); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return false
	}

	return true
}
