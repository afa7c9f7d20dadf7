package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 100

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Supervisor().Status())
}

// GET /api/v1/machine/emergency
func (s *Server) getEmergency(c *gin.Context) {
	st := s.lm.Supervisor().Status()
	c.JSON(http.StatusOK, gin.H{
		"emergency": st.Emergency,
		"state":     st.State,
		"reason":    st.Reason,
		"reasons":   st.Reasons,
	})
}

// POST /api/v1/machine/emergency
func (s *Server) raiseEmergency(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "emergency raised via API"
	}
	if op := auth.Operator(c); op != "" {
		req.Reason = fmt.Sprintf("%s (by %s)", req.Reason, op)
	}

	s.lm.Supervisor().RaiseEmergency(req.Reason)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Emergency raised",
		"reason":  req.Reason,
	})
}

// POST /api/v1/machine/resolve
func (s *Server) resolve(c *gin.Context) {
	if err := s.lm.Supervisor().Resolve(c.Request.Context()); err != nil {
		s.fail(c, "Resolve failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Emergency resolved",
		"state":   s.lm.Supervisor().State(),
	})
}

// GET /api/v1/machine/errors
func (s *Server) getErrorLog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"errors": s.lm.Supervisor().ErrorLog()})
}

// GET /api/v1/machine/errors/history?limit=N
func (s *Server) getErrorHistory(c *gin.Context) {
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
	records, err := history.ListMachineErrors(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, "Failed to list machine errors", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": records})
}

// POST /api/v1/machine/home
func (s *Server) homeAll(c *gin.Context) {
	if err := s.lm.Supervisor().HomeAll(c.Request.Context()); err != nil {
		s.fail(c, "Home all failed", err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Homing all motors"})
}

// POST /api/v1/machine/lamp
func (s *Server) setLamp(c *gin.Context) {
	var lamp machine.LampState
	if err := c.ShouldBindJSON(&lamp); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if err := s.lm.Supervisor().SetLamp(c.Request.Context(), lamp); err != nil {
		s.fail(c, "Lamp command failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lamp": lamp, "colorLight": lamp.Color()})
}

// POST /api/v1/machine/params/save
func (s *Server) saveParams(c *gin.Context) {
	if err := s.lm.Supervisor().SaveParams(c.Request.Context()); err != nil {
		s.fail(c, "Save params failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Motor parameters saved"})
}

// POST /api/v1/machine/params/load
func (s *Server) loadParams(c *gin.Context) {
	if err := s.lm.Supervisor().LoadParams(c.Request.Context()); err != nil {
		s.fail(c, "Load params failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Motor parameters loaded"})
}

func motorParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid motor id", err)
		return 0, false
	}
	return id, true
}

// GET /api/v1/motors/:id
func (s *Server) getMotor(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	m, err := s.lm.Supervisor().Motor(id)
	if err != nil {
		s.fail(c, "Unknown motor", err, nil)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GET /api/v1/motors/:id/is-home
func (s *Server) isHome(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	home, err := s.lm.Supervisor().IsHome(id)
	if err != nil {
		s.fail(c, "Unknown motor", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_home": home})
}

type moveRequest struct {
	Position *float64 `json:"position"`
	Delta    *float64 `json:"delta"`
	Wait     bool     `json:"wait"`
}

// POST /api/v1/motors/:id/move
func (s *Server) moveAbsolute(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Position == nil {
		badRequest(c, "Invalid request body", fmt.Errorf("position is required"))
		return
	}

	if err := s.lm.Supervisor().MoveAbsolute(c.Request.Context(), id, *req.Position); err != nil {
		s.fail(c, "Move failed", err, nil)
		return
	}
	s.finishMove(c, id, *req.Position, req.Wait)
}

// POST /api/v1/motors/:id/move-inc
func (s *Server) moveIncremental(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Delta == nil {
		badRequest(c, "Invalid request body", fmt.Errorf("delta is required"))
		return
	}

	sup := s.lm.Supervisor()
	m, err := sup.Motor(id)
	if err != nil {
		s.fail(c, "Unknown motor", err, nil)
		return
	}
	if err := sup.MoveIncremental(c.Request.Context(), id, *req.Delta); err != nil {
		s.fail(c, "Move failed", err, nil)
		return
	}
	s.finishMove(c, id, m.Pos+*req.Delta, req.Wait)
}

func (s *Server) finishMove(c *gin.Context, id int, target float64, wait bool) {
	if !wait {
		c.JSON(http.StatusAccepted, gin.H{"id": id, "target": target})
		return
	}
	if err := s.lm.Supervisor().WaitUntilArrived(c.Request.Context(), id, target); err != nil {
		s.fail(c, "Motor did not arrive", err, nil)
		return
	}
	m, _ := s.lm.Supervisor().Motor(id)
	c.JSON(http.StatusOK, m)
}

// POST /api/v1/motors/:id/home
func (s *Server) homeMotor(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	if err := s.lm.Supervisor().Home(c.Request.Context(), id); err != nil {
		s.fail(c, "Home failed", err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "Homing"})
}

// POST /api/v1/motors/:id/stop
func (s *Server) stopMotor(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	if err := s.lm.Supervisor().Stop(c.Request.Context(), id); err != nil {
		s.fail(c, "Stop failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": "Stopped"})
}

// POST /api/v1/motors/:id/params
func (s *Server) setMotorParams(c *gin.Context) {
	id, ok := motorParam(c)
	if !ok {
		return
	}
	var req struct {
		MaxSpeed     *float64 `json:"max_speed"`
		Acceleration *float64 `json:"acceleration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.MaxSpeed == nil && req.Acceleration == nil {
		badRequest(c, "Invalid request body", fmt.Errorf("max_speed or acceleration is required"))
		return
	}

	if err := s.lm.Supervisor().SetMotorParams(c.Request.Context(), id, req.MaxSpeed, req.Acceleration); err != nil {
		s.fail(c, "Set params failed", err, nil)
		return
	}
	s.logger.Info("Motor parameters updated", zap.Int("motor", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "message": "Parameters set"})
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return limit, nil
}
