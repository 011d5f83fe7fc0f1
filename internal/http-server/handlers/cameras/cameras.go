package camerashandler

import (
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
)

type CameraHandler struct {
	log    *slog.Logger
	camera Camera
}

type Camera interface {
	SaveCamera(cam models.Camera) (models.Camera, error)
	UpdateCamera(cam models.Camera) error
	DeleteCamera(cameraID string) error
	Cameras() ([]models.Camera, error)
}

func New(
	log *slog.Logger,
	camera Camera,
) *CameraHandler {
	return &CameraHandler{
		log:    log,
		camera: camera,
	}
}

type Request struct {
	Name          string `json:"name" validate:"required"`
	IP            string `json:"ip"`
	Location      string `json:"location"`
	SourceURL     string `json:"source_url"`
	RecordingMode string `json:"recording_mode" validate:"omitempty,oneof=continuous scheduled motion"`
	Enabled       bool   `json:"enabled"`
}

func (h *CameraHandler) Save(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.cameras.Save"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	req, ok := h.decodeRequest(w, r, log)
	if !ok {
		return
	}

	cam, err := h.camera.SaveCamera(models.Camera{
		Name:          req.Name,
		IP:            req.IP,
		Location:      req.Location,
		SourceURL:     req.SourceURL,
		RecordingMode: req.RecordingMode,
		Enabled:       req.Enabled,
	})
	if err != nil {
		if errors.Is(err, errs.ErrCameraAlreadyExists) {
			handlers.Error(w, r, http.StatusConflict, response.Error("camera already exists", ""))

			return
		}

		log.Error("failed to save camera", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to save camera", middleware.GetReqID(r.Context())))

		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, cam)
}

func (h *CameraHandler) Update(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.cameras.Update"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	cameraID := chi.URLParam(r, "cameraID")

	req, ok := h.decodeRequest(w, r, log)
	if !ok {
		return
	}

	err := h.camera.UpdateCamera(models.Camera{
		CameraID:      cameraID,
		Name:          req.Name,
		IP:            req.IP,
		Location:      req.Location,
		SourceURL:     req.SourceURL,
		RecordingMode: req.RecordingMode,
		Enabled:       req.Enabled,
	})
	if err != nil {
		if errors.Is(err, errs.ErrCameraNotFound) {
			handlers.Error(w, r, http.StatusNotFound, response.Error("camera not found", ""))

			return
		}

		log.Error("failed to update camera", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to update camera", middleware.GetReqID(r.Context())))

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.cameras.Delete"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	cameraID := chi.URLParam(r, "cameraID")

	if err := h.camera.DeleteCamera(cameraID); err != nil {
		if errors.Is(err, errs.ErrCameraNotFound) {
			handlers.Error(w, r, http.StatusNotFound, response.Error("camera not found", ""))

			return
		}

		log.Error("failed to delete camera", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to delete camera", middleware.GetReqID(r.Context())))

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.cameras.List"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	cams, err := h.camera.Cameras()
	if err != nil {
		log.Error("failed to list cameras", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to list cameras", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, cams)
}

func (h *CameraHandler) decodeRequest(w http.ResponseWriter, r *http.Request, log *slog.Logger) (Request, bool) {
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
