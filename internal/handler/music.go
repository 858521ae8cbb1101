package handler

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

const maxUploadSize = 50 * 1024 * 1024 // 50MB

// MusicHandler serves upload, dispatch and progress endpoints
type MusicHandler struct {
	uploads   *service.UploadService
	splits    *service.SplitService
	validator *validator.Validate
}

func NewMusicHandler(uploads *service.UploadService, splits *service.SplitService, v *validator.Validate) *MusicHandler {
	return &MusicHandler{
		uploads:   uploads,
		splits:    splits,
		validator: v,
	}
}

// Upload handles POST /music: accepts an audio file plus optional name/band
// metadata and registers a new submission
func (h *MusicHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("myfile")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 50MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return response.ServiceError(c, "Failed to read file")
	}

	result, err := h.uploads.Register(c.FormValue("name"), c.FormValue("band"), raw)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// List handles GET /music
func (h *MusicHandler) List(c *fiber.Ctx) error {
	return response.OK(c, h.uploads.List())
}

// Dispatch handles POST /music/:id: attaches the stem selection and fans the
// separation tasks out to the worker pool
func (h *MusicHandler) Dispatch(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return response.ValidationError(c, "Invalid submission id", nil)
	}

	req := &model.DispatchRequest{
		Instruments: parseInstruments(c.FormValue("instruments")),
	}
	if err := h.validator.Struct(req); err != nil {
		return response.InvalidSelection(c, "Select at least one of: bass, drums, vocals, other")
	}

	result, err := h.splits.Dispatch(c.Context(), id, req.Instruments, nil)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrSubmissionNotFound):
			return response.NotFound(c, "Music not found")
		case errors.Is(err, model.ErrAlreadySubmitted):
			return response.AlreadySubmitted(c, "Music already submitted")
		case errors.Is(err, model.ErrInvalidSelection):
			return response.InvalidSelection(c, err.Error())
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.Accepted(c, result)
}

// Progress handles GET /music/:id
func (h *MusicHandler) Progress(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return response.ValidationError(c, "Invalid submission id", nil)
	}

	progress, err := h.splits.GetProgress(c.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrSubmissionNotFound) {
			return response.NotFound(c, "Music not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, progress)
}

func parseInstruments(raw string) []model.Stem {
	var stems []model.Stem
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		stems = append(stems, model.Stem(part))
	}
	return stems
}
