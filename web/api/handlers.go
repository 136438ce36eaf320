package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/pipeline"
)

// SubmitRequest is the body of POST /api/runs. Omitted options keep their defaults.
type SubmitRequest struct {
	Code         string            `json:"code" binding:"required"`
	FunctionName string            `json:"function_name" binding:"required"`
	Options      domain.RunOptions `json:"options"`
}

// SubmitResponse is returned once the run exists
type SubmitResponse struct {
	RunID string `json:"runId"`
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) submitRunHandler(c *gin.Context) {
	req := SubmitRequest{Options: domain.DefaultRunOptions()}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.svc.Submit(c.Request.Context(), pipeline.Submission{
		Code:         req.Code,
		FunctionName: req.FunctionName,
		Options:      req.Options,
	})
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{RunID: id})
}

func (s *Server) listRunsHandler(c *gin.Context) {
	filter := domain.RunFilter{Status: domain.RunStatus(c.Query("status"))}
	switch filter.Status {
	case "", domain.RunQueued, domain.RunRunning, domain.RunSuccess, domain.RunFailed, domain.RunCancelled:
	default:
		writeError(c, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.svc.List(c.Request.Context(), filter)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRunHandler(c *gin.Context) {
	run, err := s.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			writeError(c, http.StatusBadRequest, "Run is not running")
			return
		}
		s.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": run.Status})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeServiceError(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusNotFound:
		msg = "Run not found"
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	writeError(c, code, msg)
}

func writeError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: message})
}
