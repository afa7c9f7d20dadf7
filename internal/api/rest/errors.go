package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenPhotoRig/internal/machine"
	"github.com/KevinKickass/OpenPhotoRig/internal/sequencer"
	"github.com/KevinKickass/OpenPhotoRig/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps a supervisor or sequencer error onto an HTTP status and
// error code.
func statusFor(err error) (int, string) {
	var motion *machine.MotionError
	switch {
	case errors.Is(err, machine.ErrInvalidMotor):
		return http.StatusBadRequest, types.CodeBadRequest
	case machine.IsTimeout(err):
		return http.StatusGatewayTimeout, types.CodeTimeout
	case errors.Is(err, machine.ErrMachineInError), errors.Is(err, sequencer.ErrRunInProgress):
		return http.StatusConflict, types.CodeConflict
	case errors.Is(err, machine.ErrCommandRejected):
		return http.StatusBadGateway, types.CodeBridge
	case errors.As(err, &motion):
		return http.StatusInternalServerError, types.CodeMotion
	case errors.Is(err, context.Canceled), errors.Is(err, machine.ErrNotRunning):
		return http.StatusServiceUnavailable, types.CodeInternal
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

func (s *Server) fail(c *gin.Context, message string, err error, details any) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		s.logger.Warn(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	if details == nil {
		details = err.Error()
	}
	c.JSON(status, types.NewErrorResponse(code, message, details))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, message, err.Error()))
}
