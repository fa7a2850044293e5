package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sevendeuce/monerodctl/internal/binary"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/node"
)

const defaultLogLines = 200

// writeError renders err as an AppError body with its status code.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.New(http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
	status := appErr.HTTPStatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.Data(status, "application/json", appErr.ToJSON())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Status())
}

// handleStart blocks until the daemon is ready. A client that disconnects
// does not abort the start.
func (s *Server) handleStart(c *gin.Context) {
	if err := s.node.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.node.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.node.Stop(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusOK, s.node.Status())
}

func (s *Server) handleInstall(c *gin.Context) {
	s.streamStatus(c, s.node.Install)
}

func (s *Server) handleUpdate(c *gin.Context) {
	s.streamStatus(c, s.node.Update)
}

// streamStatus relays an install or update stream as server-sent events,
// one event per status named after its kind. If the client goes away the
// operation still runs to completion.
func (s *Server) streamStatus(c *gin.Context, op func(context.Context) (<-chan binary.Status, error)) {
	ch, err := op(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	clientGone := c.Stream(func(w io.Writer) bool {
		st, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(st.Kind.String(), st)
		return !st.Terminal()
	})
	if clientGone {
		go func() { _ = node.Drain(ch, nil) }()
	}
}

func (s *Server) handleCheckUpdate(c *gin.Context) {
	res := s.node.CheckForUpdate(c.Request.Context())
	status := http.StatusOK
	if res.State == binary.UpdateCheckFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

// handleLogs serves recent daemon output (source=daemon, default) or
// application log entries (source=app). n bounds the number of lines.
func (s *Server) handleLogs(c *gin.Context) {
	n := defaultLogLines
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "n must be a non-negative integer"})
			return
		}
		n = v
	}

	switch c.DefaultQuery("source", "daemon") {
	case "daemon":
		lines := s.node.Logs(n)
		if lines == nil {
			lines = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"source": "daemon", "lines": lines})
	case "app":
		c.JSON(http.StatusOK, gin.H{"source": "app", "entries": s.logs.GetRecentEntries(n)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "source must be daemon or app"})
	}
}
