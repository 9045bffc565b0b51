package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ineyio/quotagate"
)

// StatusClientClosedRequest is the non-standard status reported when the
// client went away before the response completed.
const StatusClientClosedRequest = 499

func (s *Server) generate(rt Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := parseGenerate(c.Request.Body, rt.Config)
		if err != nil {
			s.writeError(c, err)
			return
		}

		resp, err := rt.Dispatcher.Do(c.Request.Context(), req)
		if err != nil {
			s.writeError(c, err)
			return
		}
		defer resp.Body.Close()

		c.Header("X-Request-Id", resp.Routing.RequestID)
		c.Header("X-Provider", resp.Routing.Provider)

		if !resp.Stream {
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				s.writeError(c, err)
				return
			}
			c.Data(resp.StatusCode, "application/json", body)
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/event-stream"
		}
		c.Header("Content-Type", contentType)
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()
		c.Writer.Flush()

		s.pipe(c, resp.Body)
	}
}

// pipe copies body to the client chunk by chunk, flushing after each write so
// tokens reach the client as they arrive. It stops at the first read or write
// failure; the caller's deferred Close settles the reservation.
func (s *Server) pipe(c *gin.Context, body io.Reader) {
	buf := make([]byte, 32<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				s.logger.WithError(rerr).WithField("path", c.Request.URL.Path).Debug("stream ended early")
			}
			return
		}
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.pingTimeout)
	defer cancel()

	code := http.StatusOK
	status := "healthy"
	store := gin.H{"connected": true, "status": "connected"}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("capacity store ping failed")
		code = http.StatusServiceUnavailable
		status = "degraded"
		store = gin.H{"connected": false, "status": "error: failed to ping"}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"store":     store,
		"timestamp": s.timestamp(),
	})
}

// StatusFor maps an error returned by a router or by request validation to
// its HTTP status.
func StatusFor(err error) int {
	var ue *quotagate.UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, quotagate.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, quotagate.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, quotagate.ErrClientAbort):
		return StatusClientClosedRequest
	case errors.Is(err, quotagate.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, quotagate.ErrCapacityExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, quotagate.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &ue):
		return ue.StatusCode
	default:
		return http.StatusInternalServerError
	}
}

// writeError shapes err into the JSON error body for its status. Client
// aborts get an empty body.
func (s *Server) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	var ue *quotagate.UpstreamError

	switch {
	case status == StatusClientClosedRequest:
		c.Status(status)
		c.Writer.WriteHeaderNow()
	case errors.Is(err, errInvalidJSON):
		s.writeJSONError(c, status, "Invalid request", "Invalid JSON payload")
	case status == http.StatusBadRequest:
		s.writeJSONError(c, status, "Validation error", validationDetails(err))
	case status == http.StatusUnauthorized:
		s.writeJSONError(c, status, "Unauthorized", "")
	case status == http.StatusRequestTimeout:
		s.writeJSONError(c, status, "Request timeout", "")
	case errors.Is(err, quotagate.ErrCapacityExhausted):
		s.writeJSONError(c, status, "All providers are at capacity or selection timed out", "")
	case status == http.StatusServiceUnavailable && errors.Is(err, quotagate.ErrStoreUnavailable):
		s.writeJSONError(c, status, "Load balancer error", "Capacity store unavailable")
	case errors.As(err, &ue):
		msg := fmt.Sprintf("Provider error: %d", ue.StatusCode)
		if ue.RateLimited() {
			msg = "Provider rate limit exceeded"
		}
		s.writeJSONError(c, status, msg, ue.Provider)
	default:
		s.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("unexpected error")
		details := "Unexpected error occurred"
		if s.development {
			details = err.Error()
		}
		s.writeJSONError(c, status, "Internal server error", details)
	}
}

func (s *Server) writeJSONError(c *gin.Context, status int, msg, details string) {
	body := gin.H{"error": msg, "timestamp": s.timestamp()}
	if details != "" {
		body["details"] = details
	}
	c.JSON(status, body)
}

func (s *Server) recover(c *gin.Context, recovered any) {
	s.logger.WithFields(log.Fields{
		"path":  c.Request.URL.Path,
		"panic": recovered,
	}).Error("handler panic")
	if c.Writer.Written() {
		c.Abort()
		return
	}
	s.writeError(c, fmt.Errorf("panic: %v", recovered))
	c.Abort()
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// validationDetails strips the sentinel prefix from a validation error.
func validationDetails(err error) string {
	msg := err.Error()
	prefix := quotagate.ErrInvalidRequest.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}
