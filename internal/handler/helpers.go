package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/prism-kb/prism/internal/pkg/errors"
	"github.com/prism-kb/prism/internal/pkg/errcode"
	"github.com/prism-kb/prism/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	switch {
	case appErr.IsNotFound(err):
		response.Error(c, errcode.ErrNotFound, err.Error())
	case appErr.IsStateConflict(err):
		response.Error(c, errcode.ErrStageConflict, err.Error())
	case appErr.IsConflict(err):
		response.Error(c, errcode.ErrConflict, err.Error())
	case appErr.IsCancelled(err):
		response.Error(c, errcode.ErrConflict, err.Error())
	case appErr.IsExternalService(err):
		response.Error(c, errcode.ErrQueryFailed, err.Error())
	case appErr.IsInput(err):
		response.Error(c, errcode.ErrInvalid, err.Error())
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
