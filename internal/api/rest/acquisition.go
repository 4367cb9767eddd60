package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ursalabs/ursacore/internal/acquisition"
	"go.uber.org/zap"
)

// GET /api/v1/acquisition/status
func (s *Server) getAcquisitionStatus(c *gin.Context) {
	status := s.controller.GetStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/acquisition/start
func (s *Server) startAcquire(c *gin.Context) {
	s.executeCommand(c, acquisition.CommandStart)
}

// POST /api/v1/acquisition/stop
func (s *Server) stopAcquire(c *gin.Context) {
	s.executeCommand(c, acquisition.CommandStop)
}

// POST /api/v1/acquisition/clear
func (s *Server) clearSpectra(c *gin.Context) {
	s.executeCommand(c, acquisition.CommandClearSpectra)
}

func (s *Server) executeCommand(c *gin.Context, cmd acquisition.Command) {
	if err := s.controller.ExecuteCommand(c.Request.Context(), cmd); err != nil {
		s.logger.Error("Acquisition command failed",
			zap.String("command", string(cmd)),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, NewErrorResponse("ACQ_400", "Command execution failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Command accepted",
		"command": string(cmd),
	})
}
