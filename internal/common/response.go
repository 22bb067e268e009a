package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK writes the standard success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

// Fail writes the standard error envelope and aborts the handler chain.
func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	FailWithData(c, httpStatus, code, msg, nil)
}

func FailWithData(c *gin.Context, httpStatus int, code int, msg string, data any) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    data,
	})
}
