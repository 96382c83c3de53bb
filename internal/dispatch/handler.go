package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/member-portal/backend/internal/auth"
	"github.com/member-portal/backend/internal/middleware"
	"github.com/member-portal/backend/pkg/response"
)

const maxBodyBytes = 1 << 20

// Executor runs a decoded command.
type Executor interface {
	Execute(ctx context.Context, actor Actor, cmd Command) (interface{}, error)
}

// Handler exposes the dispatcher over HTTP.
type Handler struct {
	exec   Executor
	logger *zap.Logger
}

// NewHandler creates a dispatch handler.
func NewHandler(exec Executor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{exec: exec, logger: logger}
}

// Register mounts the dispatch endpoint. Every method other than POST answers 405.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/:operation", h.Dispatch)
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Handle(m, "/:operation", h.methodNotAllowed)
	}
}

// Dispatch handles POST /api/:operation.
func (h *Handler) Dispatch(c *gin.Context) {
	op := c.Param("operation")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		response.Fail(c, "could not read request body")
		return
	}
	cmd, err := Decode(op, body)
	if err != nil {
		response.Fail(c, err.Error())
		return
	}

	actor := Actor{}
	if claims := middleware.Claims(c); claims != nil {
		actor = Actor{Email: claims.Email, Role: claims.Role}
	}
	if cmd.MutatesLedger() && !middleware.Authorize(c, auth.RoleAdmin, auth.RoleStaff) {
		return
	}

	data, err := h.exec.Execute(c.Request.Context(), actor, cmd)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			response.Forbidden(c, err.Error())
			return
		}
		if IsBusinessError(err) {
			h.logger.Info("operation rejected",
				zap.String("operation", cmd.Operation()),
				zap.String("actor", actor.Email),
				zap.Error(err),
			)
			response.Fail(c, err.Error())
			return
		}
		h.logger.Error("operation failed",
			zap.String("operation", cmd.Operation()),
			zap.String("actor", actor.Email),
			zap.Error(err),
		)
		response.Internal(c, "internal error")
		return
	}
	response.OK(c, data)
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	response.MethodNotAllowed(c, "method not allowed; use POST")
}
