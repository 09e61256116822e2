package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/application"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/logger"
	"github.com/wyfcoding/marginengine/pkg/middleware"
	"github.com/wyfcoding/pkg/response"
	"golang.org/x/time/rate"
)

// MarginHandler 保证金引擎运维与下单接口
type MarginHandler struct {
	engine        *application.Engine
	manageLimiter *rate.Limiter
}

// NewMarginHandler manageLimiter 为 nil 时手动触发管理循环不限流
func NewMarginHandler(engine *application.Engine, manageLimiter *rate.Limiter) *MarginHandler {
	return &MarginHandler{engine: engine, manageLimiter: manageLimiter}
}

// RegisterRoutes 注册路由
func (h *MarginHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/margin")
	{
		manage := []gin.HandlerFunc{h.Manage}
		if h.manageLimiter != nil {
			manage = append([]gin.HandlerFunc{middleware.GinRateLimit(h.manageLimiter)}, manage...)
		}
		api.POST("/manage", manage...)
		api.POST("/orders", h.CreateMarginOrder)
		api.GET("/positions/:id", h.GetPosition)
		api.POST("/positions/:id/close", h.CreateCloseOrder)
		api.PUT("/positions/:id/collateral", h.ChangeCollateral)
		api.GET("/positions/:id/collateral-range", h.CollateralRange)
	}
}

// Manage 立即执行一轮持仓管理
func (h *MarginHandler) Manage(c *gin.Context) {
	rc := h.engine.Manager.RunOnce(c.Request.Context())
	t := rc.Tallies()
	response.Success(c, gin.H{
		"run_id":       rc.ID,
		"liquidated":   t.Liquidated,
		"expired":      t.Expired,
		"fees_charged": t.FeesCharged,
		"margin_calls": t.MarginCalls,
		"settled":      t.Settled,
		"errors":       t.Errors,
	})
}

// GetPosition 持仓详情
func (h *MarginHandler) GetPosition(c *gin.Context) {
	view, err := h.engine.Query.GetPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to get position", err)
		return
	}
	response.Success(c, view)
}

// CollateralRange 可调整保证金区间
func (h *MarginHandler) CollateralRange(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "user_id is required", "")
		return
	}
	r, err := h.engine.Collateral.CollateralRange(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.fail(c, "failed to get collateral range", err)
		return
	}
	response.Success(c, r)
}

// OrderLegRequest OCO 第二腿
type OrderLegRequest struct {
	ExecutionType domain.ExecutionType `json:"execution_type" binding:"required"`
	Price         decimal.Decimal      `json:"price"`
	StopPrice     decimal.Decimal      `json:"stop_price"`
}

func (r *OrderLegRequest) leg() *application.OrderLeg {
	if r == nil {
		return nil
	}
	return &application.OrderLeg{ExecutionType: r.ExecutionType, Price: r.Price, StopPrice: r.StopPrice}
}

// CreateMarginOrderRequest 开仓请求
type CreateMarginOrderRequest struct {
	UserID        string               `json:"user_id" binding:"required"`
	Symbol        string               `json:"symbol" binding:"required"`
	Side          domain.Side          `json:"side" binding:"required"`
	Leverage      decimal.Decimal      `json:"leverage"`
	Amount        decimal.Decimal      `json:"amount"`
	Price         decimal.Decimal      `json:"price"`
	StopPrice     decimal.Decimal      `json:"stop_price"`
	ExecutionType domain.ExecutionType `json:"execution_type" binding:"required"`
	Pair          *OrderLegRequest     `json:"pair"`
}

// CreateMarginOrder 开仓下单
func (h *MarginHandler) CreateMarginOrder(c *gin.Context) {
	var req CreateMarginOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	res, err := h.engine.Orders.CreateMarginOrder(c.Request.Context(), application.CreateMarginOrderCommand{
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Leverage:      req.Leverage,
		Amount:        req.Amount,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ExecutionType: req.ExecutionType,
		Pair:          req.Pair.leg(),
	})
	if err != nil {
		h.fail(c, "failed to create margin order", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"position_id": res.PositionID,
		"order_ids":   res.OrderIDs,
		"collateral":  res.Collateral,
	})
}

// CreateCloseOrderRequest 平仓请求
type CreateCloseOrderRequest struct {
	UserID        string               `json:"user_id" binding:"required"`
	Amount        decimal.Decimal      `json:"amount"`
	Price         decimal.Decimal      `json:"price"`
	StopPrice     decimal.Decimal      `json:"stop_price"`
	ExecutionType domain.ExecutionType `json:"execution_type" binding:"required"`
	Pair          *OrderLegRequest     `json:"pair"`
}

// CreateCloseOrder 平仓下单
func (h *MarginHandler) CreateCloseOrder(c *gin.Context) {
	var req CreateCloseOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	res, err := h.engine.Orders.CreateCloseOrder(c.Request.Context(), application.CreateCloseOrderCommand{
		UserID:        req.UserID,
		PositionID:    c.Param("id"),
		Amount:        req.Amount,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ExecutionType: req.ExecutionType,
		Pair:          req.Pair.leg(),
	})
	if err != nil {
		h.fail(c, "failed to create close order", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"position_id": res.PositionID, "order_ids": res.OrderIDs})
}

// ChangeCollateralRequest 调整保证金请求
type ChangeCollateralRequest struct {
	UserID     string          `json:"user_id" binding:"required"`
	Collateral decimal.Decimal `json:"collateral"`
}

// ChangeCollateral 调整保证金
func (h *MarginHandler) ChangeCollateral(c *gin.Context) {
	var req ChangeCollateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	res, err := h.engine.Collateral.ChangeCollateral(c.Request.Context(), application.ChangeCollateralCommand{
		UserID:     req.UserID,
		PositionID: c.Param("id"),
		Collateral: req.Collateral,
	})
	if err != nil {
		h.fail(c, "failed to change collateral", err)
		return
	}
	response.Success(c, gin.H{"position_id": res.PositionID, "status": res.Status, "applied": res.Applied})
}

// fail 未找到返回 404，业务拒绝返回 422，其余 500
func (h *MarginHandler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrPositionNotFound), errors.Is(err, domain.ErrMarketNotFound),
		errors.Is(err, domain.ErrPoolNotFound), errors.Is(err, domain.ErrOrderNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
	case domain.IsBusinessError(err):
		response.ErrorWithStatus(c, http.StatusUnprocessableEntity, err.Error(), "")
	default:
		logger.Error(c.Request.Context(), msg, "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
	}
}
