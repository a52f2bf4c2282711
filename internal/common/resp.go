package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailReason is Fail plus a stable machine-readable reason string,
// used for admission denials so clients can branch without parsing messages.
func FailReason(c *gin.Context, httpStatus int, code int, msg, reason string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"reason":  reason,
		"data":    nil,
	})
}
