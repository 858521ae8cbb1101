package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

// JobHandler serves the job registry read endpoints
type JobHandler struct {
	jobs *service.JobService
}

func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// List handles GET /job
func (h *JobHandler) List(c *fiber.Ctx) error {
	return response.OK(c, h.jobs.List())
}

// Get handles GET /job/:id
func (h *JobHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return response.ValidationError(c, "Invalid job id", nil)
	}

	job, err := h.jobs.Get(id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}
