package rest

import (
	"context"
	"net/http"

	"github.com/KevinKickass/OpenPhotoRig/internal/sequencer"
	"github.com/KevinKickass/OpenPhotoRig/internal/types"
	"github.com/gin-gonic/gin"
)

type targetsRequest struct {
	Targets []float64 `json:"targets"`
}

// POST /api/v1/sequences/move-set
func (s *Server) moveSet(c *gin.Context) {
	s.runSequence(c, s.lm.Coordinator().MoveSet)
}

// POST /api/v1/sequences/shoot
func (s *Server) shoot(c *gin.Context) {
	s.runSequence(c, s.lm.Coordinator().Shoot)
}

// runSequence executes a run detached from the request: a client that goes
// away must not abort motion halfway. An empty body reuses the persisted
// setpoints.
func (s *Server) runSequence(c *gin.Context, run func(context.Context, []float64) (*sequencer.Result, error)) {
	var req targetsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	res, err := run(context.WithoutCancel(c.Request.Context()), req.Targets)
	if err != nil {
		var details any
		if res != nil {
			details = gin.H{"error": err.Error(), "run": res.Run}
		}
		s.fail(c, "Run failed", err, details)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/v1/setpoints
func (s *Server) getSetpoints(c *gin.Context) {
	sp, err := s.lm.Coordinator().Setpoints(c.Request.Context())
	if err != nil {
		s.fail(c, "Failed to load setpoints", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setpoints": sp})
}

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.lm.Coordinator().Runs()})
}

// GET /api/v1/runs/history?limit=N
func (s *Server) getRunHistory(c *gin.Context) {
	history := s.lm.History()
	if history == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "No database configured", nil))
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		badRequest(c, "Invalid limit", err)
		return
	}
	runs, err := history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, "Failed to list runs", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
