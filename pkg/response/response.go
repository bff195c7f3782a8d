package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeAccountNotFound    = 1005
	CodeDuplicateAccount   = 1006
	CodeTransactionAborted = 1008
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ProcedureRequest 过程调用请求体
type ProcedureRequest struct {
	Params []interface{} `json:"params"`
}

// ProcedureResult 过程调用成功的返回数据
type ProcedureResult struct {
	Procedure string      `json:"procedure"`
	Result    interface{} `json:"result"`
}

// AbortDetail 业务拒绝的详细信息
type AbortDetail struct {
	Code   string `json:"abort_code"`
	PAN    string `json:"pan,omitempty"`
	Reason string `json:"reason"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}

// Aborted 交易被业务规则拒绝
func Aborted(c *gin.Context, message string, detail AbortDetail) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeTransactionAborted,
		Message: message,
		Data:    detail,
	})
}
