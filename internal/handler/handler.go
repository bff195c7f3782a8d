package handler

import (
	"encoding/json"
	"errors"
	"io"

	"cardledger/internal/ledger"
	"cardledger/internal/procedure"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器
type Handler struct {
	registry *procedure.Registry
	logger   *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(registry *procedure.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// ============================================================
// 过程调用接口
// ============================================================

// ListProcedures 已注册的过程
// GET /api/v1/procedure
func (h *Handler) ListProcedures(c *gin.Context) {
	response.Success(c, gin.H{"procedures": h.registry.Names()})
}

// CallProcedure 调用一个过程
// POST /api/v1/procedure/:name  {"params": [...]}
func (h *Handler) CallProcedure(c *gin.Context) {
	name := c.Param("name")

	var req response.ProcedureRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.registry.Invoke(c.Request.Context(), name, req.Params...)
	if err != nil {
		h.writeError(c, name, err)
		return
	}

	response.Success(c, response.ProcedureResult{Procedure: name, Result: result})
}

func (h *Handler) writeError(c *gin.Context, name string, err error) {
	if ae, ok := procedure.AsAbort(err); ok {
		response.Aborted(c, ae.Error(), response.AbortDetail{
			Code:   string(ae.Code),
			PAN:    ae.PAN,
			Reason: ae.Reason,
		})
		return
	}

	switch {
	case errors.Is(err, procedure.ErrUnknownProcedure):
		response.NotFound(c, err.Error())
	case errors.Is(err, procedure.ErrBadParams):
		response.ParamError(c, err.Error())
	case errors.Is(err, ledger.ErrDuplicateAccount):
		response.BusinessError(c, response.CodeDuplicateAccount, err.Error())
	default:
		h.logger.Error("过程执行失败", zap.String("procedure", name), zap.Error(err))
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户查询接口
// ============================================================

// GetAccount 查询卡账户
// GET /api/v1/account/:pan
func (h *Handler) GetAccount(c *gin.Context) {
	pan := c.Param("pan")

	acct, err := h.registry.Engine().Account(c.Request.Context(), pan)
	if err != nil {
		if errors.Is(err, procedure.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, "卡账户不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, acct)
}

// ListActivity 查询卡账户流水
// GET /api/v1/account/:pan/activity
func (h *Handler) ListActivity(c *gin.Context) {
	pan := c.Param("pan")

	rows, err := h.registry.Engine().Activity(c.Request.Context(), pan)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"pan":      pan,
		"activity": rows,
		"count":    len(rows),
	})
}
