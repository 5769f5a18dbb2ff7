package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reportd/internal/httpsrv"
	"reportd/internal/report"
	"reportd/internal/report/scheduler"
	logx "reportd/pkg/logx"
)

const maxBodyBytes = 1 << 20

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
	Error string `json:"error"`
}

// Handler returns the HTTP binding of s. token, when set, is required on
// /api/v1 routes.
func Handler(s *Service, token string) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(s.log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	v1 := r.Group("/api/v1", bearer(token))
	{
		v1.POST("/schedules", s.handleCreate)
		v1.GET("/schedules", s.handleList)
		v1.GET("/schedules/:id", s.handleGet)
		v1.DELETE("/schedules/:id", s.handleCancel)
		v1.GET("/firings", s.handleFirings)
	}
	return r
}

func (s *Service) handleCreate(c *gin.Context) {
	var req ScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(c, report.InvalidConfig("body", "%v", err))
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(c, report.InvalidConfig("body", "trailing data after JSON object"))
		return
	}

	res, err := s.ScheduleReport(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Service) handleList(c *gin.Context) {
	jobs, err := s.ListSchedules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []report.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Service) handleGet(c *gin.Context) {
	j, err := s.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Service) handleCancel(c *gin.Context) {
	removed, err := s.CancelSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Service) handleFirings(c *gin.Context) {
	items := s.Firings()
	if items == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, items)
}

func writeError(c *gin.Context, err error) {
	body := errorBody{Kind: string(report.KindOf(err)), Field: report.FieldOf(err), Error: err.Error()}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, report.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
		body.Kind = "not_found"
	case errors.Is(err, report.ErrRegistryIO),
		errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, scheduler.ErrNotStarted):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusGatewayTimeout
	}
	if body.Kind == "" {
		body.Kind = "internal"
	}
	c.AbortWithStatusJSON(code, body)
}

func bearer(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !httpsrv.BearerOK(c.Request, token) {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Kind: "unauthorized", Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	}
}
