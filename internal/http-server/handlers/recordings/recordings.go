package recordinghandler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/http-server/handlers"
	"github.com/ebudiman/visionary_nvr/internal/lib/api/response"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/services/recorder"
)

type RecordingHandler struct {
	log      *slog.Logger
	recorder Recorder
}

// Recorder is the recording-session core consumed by this handler.
type Recorder interface {
	Start(cameraID string) error
	Stop(cameraID string) error
	Status() map[string]bool
	Sessions() []recorder.Info
}

func New(log *slog.Logger, recorder Recorder) *RecordingHandler {
	return &RecordingHandler{
		log:      log,
		recorder: recorder,
	}
}

type Request struct {
	CameraID string `json:"camera_id" validate:"required"`
}

func (h *RecordingHandler) Start(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.recordings.Start"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	req, ok := h.decodeRequest(w, r, log)
	if !ok {
		return
	}

	if err := h.recorder.Start(req.CameraID); err != nil {
		switch {
		case errors.Is(err, errs.ErrCameraNotFound):
			handlers.Error(w, r, http.StatusNotFound, response.Error("camera not found", ""))

		case errors.Is(err, errs.ErrCameraDisabled), errors.Is(err, errs.ErrCameraNotConfigured):
			handlers.Error(w, r, http.StatusUnprocessableEntity, response.Error("camera is not configured for recording", ""))

		case errors.Is(err, errs.ErrCameraIsNotAvailable):
			handlers.Error(w, r, http.StatusBadGateway, response.Error("camera is not available", ""))

		default:
			log.Error("failed to start recording", sl.Err(err))

			handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not start recording", middleware.GetReqID(r.Context())))
		}

		return
	}

	render.JSON(w, r, map[string]string{"message": "recording started"})
}

func (h *RecordingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.recordings.Stop"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	req, ok := h.decodeRequest(w, r, log)
	if !ok {
		return
	}

	// Stopping a camera that is not recording is a no-op, not an error.
	if err := h.recorder.Stop(req.CameraID); err != nil {
		log.Error("failed to stop recording", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not stop recording", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"message": "recording stopped"})
}

// Status serves the actively-recording map keyed by camera id.
func (h *RecordingHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.recorder.Status())
}

// Sessions serves per-session diagnostics: state and restart counts.
func (h *RecordingHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.recorder.Sessions())
}

func (h *RecordingHandler) decodeRequest(w http.ResponseWriter, r *http.Request, log *slog.Logger) (Request, bool) {
	var req Request

	err := render.DecodeJSON(r.Body, &req)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return req, false
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return req, false
	}

	if err := validator.New().Struct(req); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return req, false
	}

	return req, true
}
