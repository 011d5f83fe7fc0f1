package settingshandler

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
	"github.com/ebudiman/visionary_nvr/internal/http-server/handlers"
	"github.com/ebudiman/visionary_nvr/internal/lib/api/response"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
)

// SettingStore reads and writes app-wide key/value settings.
type SettingStore interface {
	Setting(key string) (string, error)
	SetSetting(key, value string) error
}

type SettingHandler struct {
	log   *slog.Logger
	store SettingStore
}

func New(log *slog.Logger, store SettingStore) *SettingHandler {
	return &SettingHandler{
		log:   log,
		store: store,
	}
}

type Request struct {
	Value string `json:"value" validate:"required"`
}

func (h *SettingHandler) Get(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.settings.Get"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	key := chi.URLParam(r, "key")

	value, err := h.store.Setting(key)
	if err != nil {
		if errors.Is(err, errs.ErrSettingNotFound) {
			handlers.Error(w, r, http.StatusNotFound, response.Error("setting not found", ""))

			return
		}

		log.Error("failed to get setting", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not get setting", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"key": key, "value": value})
}

func (h *SettingHandler) Set(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.settings.Set"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	key := chi.URLParam(r, "key")

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

	if err := h.store.SetSetting(key, req.Value); err != nil {
		log.Error("failed to save setting", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("could not save setting", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"key": key, "value": req.Value})
}
