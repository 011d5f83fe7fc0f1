package discoveryhandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/http-server/handlers"
	"github.com/ebudiman/visionary_nvr/internal/lib/api/response"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
)

type Scanner interface {
	Scan(ctx context.Context, ipRange string) ([]models.Candidate, error)
}

// CameraSaver registers a scanned device as a camera.
type CameraSaver interface {
	SaveFromCandidate(candidate models.Candidate, name, sourceURL string) (models.Camera, error)
}

type DiscoveryHandler struct {
	log     *slog.Logger
	scanner Scanner
	cameras CameraSaver
}

func New(log *slog.Logger, scanner Scanner, cameras CameraSaver) *DiscoveryHandler {
	return &DiscoveryHandler{
		log:     log,
		scanner: scanner,
		cameras: cameras,
	}
}

type Request struct {
	IPRange string `json:"ip_range" validate:"required"`
}

type AdoptRequest struct {
	Candidate models.Candidate `json:"candidate" validate:"required"`
	Name      string           `json:"name" validate:"required"`
	SourceURL string           `json:"source_url" validate:"required,url"`
}

func (h *DiscoveryHandler) Scan(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.discovery.Scan"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	err := render.DecodeJSON(r.Body, &req)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return
	}

	if err := validator.New().Struct(req); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return
	}

	candidates, err := h.scanner.Scan(r.Context(), req.IPRange)
	if err != nil {
		log.Error("scan failed", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("scan failed", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]interface{}{"candidates": candidates})
}

// Adopt registers one scanned candidate as a camera.
func (h *DiscoveryHandler) Adopt(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.discovery.Adopt"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req AdoptRequest
	err := render.DecodeJSON(r.Body, &req)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return
	}

	if err := validator.New().Struct(req); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return
	}

	cam, err := h.cameras.SaveFromCandidate(req.Candidate, req.Name, req.SourceURL)
	if err != nil {
		log.Error("failed to save camera", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not save camera", middleware.GetReqID(r.Context())))

		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, cam)
}
