package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/gridlocal/internal/core"
)

const (
	maxPayloadBytes    = 512 << 20
	defaultWaitTimeout = 5 * time.Minute
)

type CreateJobResponse struct {
	Key string `json:"key"`
}

type JobHandler struct {
	dispatcher  *core.Dispatcher
	waitTimeout time.Duration
}

func NewJobHandler(dispatcher *core.Dispatcher) *JobHandler {
	return &JobHandler{
		dispatcher:  dispatcher,
		waitTimeout: defaultWaitTimeout,
	}
}

// respondError maps dispatcher errors onto status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownKey):
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrUnknownKey.Error()})
	case errors.Is(err, core.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrCancelUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func readPayload(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return nil, false
	}
	return body, true
}

func bindCreate(c *gin.Context) (core.CreateRequest, bool) {
	var req core.CreateRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return req, false
	}
	return req, true
}

// CreateJob registers a job awaiting its payload.
func (h *JobHandler) CreateJob(c *gin.Context) {
	req, ok := bindCreate(c)
	if !ok {
		return
	}
	key, err := h.dispatcher.Create(req, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateJobResponse{Key: key})
}

// SubmitPayload delivers the payload for a created job.
func (h *JobHandler) SubmitPayload(c *gin.Context) {
	body, ok := readPayload(c)
	if !ok {
		return
	}
	summary, err := h.dispatcher.Submit(c.Param("key"), body)
	if err != nil {
		if summary.Key != "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job": summary})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, summary)
}

// Submit creates a job from query parameters and delivers the body as its
// payload in one request.
func (h *JobHandler) Submit(c *gin.Context) {
	var req core.CreateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}
	body, ok := readPayload(c)
	if !ok {
		return
	}

	key, err := h.dispatcher.Create(req, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	summary, err := h.dispatcher.Submit(key, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "job": summary})
		return
	}
	c.JSON(http.StatusAccepted, summary)
}

// GetJob returns the job summary. With wait=1 it blocks until the job is
// done or the wait times out, then returns the summary as it stands.
func (h *JobHandler) GetJob(c *gin.Context) {
	key := c.Param("key")

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
		defer cancel()

		summary, err := h.dispatcher.Wait(ctx, key)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	summary, err := h.dispatcher.Check(key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListJobs returns the retained history, oldest first.
func (h *JobHandler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.History())
}

// DeleteJob removes the entry whose add timestamp matches ?time=.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	addTime, err := strconv.ParseInt(c.Query("time"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid time"})
		return
	}
	if !h.dispatcher.Delete(addTime) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no entry with that time"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": addTime})
}
