package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/Luismorlan/communitymux/core"
	"github.com/Luismorlan/communitymux/model"
	. "github.com/Luismorlan/communitymux/utils/log"
)

// Error codes of JSON error bodies. 1001 is the auth failure of middlewares.
const (
	ErrorBadRequest = 1002
	ErrorNotFound   = 1003
	ErrorInternal   = 1004
)

type submitQueryRequest struct {
	Text string `json:"text"`
}

type setTrackingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type registerSubscriberRequest struct {
	Kind string `json:"kind"`
	URL  string `json:"url" binding:"required"`
}

// Handlers binds core.Service to HTTP.
type Handlers struct {
	service *core.Service
}

func NewHandlers(service *core.Service) *Handlers {
	return &Handlers{service: service}
}

func (h *Handlers) SubmitQuery(c *gin.Context) {
	var req submitQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(core.ErrInvalidQuery, err.Error()))
		return
	}
	query, err := h.service.SubmitQuery(c.Request.Context(), req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": query.Id, "status": query.Status})
}

func (h *Handlers) GetQueryStatus(c *gin.Context) {
	status, err := h.service.GetQueryStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) ListCommunities(c *gin.Context) {
	communities, err := h.service.ListCommunities(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"communities": communities})
}

func (h *Handlers) SetTracking(c *gin.Context) {
	var req setTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": ErrorBadRequest, "msg": err.Error()})
		return
	}
	sub, err := h.service.SetTracking(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) GetScrapeHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": ErrorBadRequest, "msg": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	runs, err := h.service.GetScrapeHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scrape_runs": runs})
}

func (h *Handlers) RegisterSubscriber(c *gin.Context) {
	var req registerSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(core.ErrInvalidSubscriber, err.Error()))
		return
	}
	sub, err := h.service.RegisterSubscriber(c.Request.Context(), model.SubscriberKind(req.Kind), req.URL)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidQuery), errors.Is(err, core.ErrInvalidSubscriber):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": ErrorBadRequest, "msg": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": ErrorNotFound, "msg": err.Error()})
	default:
		Log.WithField("path", c.FullPath()).Errorln("request failed:", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": ErrorInternal, "msg": "internal error"})
	}
}
