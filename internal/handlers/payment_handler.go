package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/services"
	"tab-payment-service/pkg/common"
)

// PaymentAPI is the slice of services.PaymentService the HTTP layer uses.
type PaymentAPI interface {
	InitiatePayment(ctx context.Context, req services.InitiatePaymentRequest) (*services.InitiatePaymentResult, error)
	RetryPayment(ctx context.Context, transactionID string) (*services.InitiatePaymentResult, error)
	GetPaymentStatus(ctx context.Context, transactionID string, live bool) (*services.PaymentStatus, error)
	GetTabBalance(ctx context.Context, tabID string) (*services.TabBalance, error)
	ListTabTransactions(ctx context.Context, tabID string, page, limit int) (common.Page, error)
}

// CallbackProcessor is the slice of services.CallbackService the HTTP layer uses.
type CallbackProcessor interface {
	Process(ctx context.Context, req *services.CallbackRequest) *services.CallbackResult
}

type PaymentHandler struct {
	Payments  PaymentAPI
	Callbacks CallbackProcessor
}

func NewPaymentHandler(payments PaymentAPI, callbacks CallbackProcessor) *PaymentHandler {
	return &PaymentHandler{Payments: payments, Callbacks: callbacks}
}

func (h *PaymentHandler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/mpesa/callback", h.MpesaCallback)

	payments := v1.Group("/payments")
	payments.POST("/stk-push", h.InitiatePayment)
	payments.GET("/:id", h.GetPaymentStatus)
	payments.POST("/:id/retry", h.RetryPayment)

	tabs := v1.Group("/tabs")
	tabs.GET("/:id/balance", h.GetTabBalance)
	tabs.GET("/:id/transactions", h.ListTabTransactions)
}

// CorrelationID takes X-Correlation-ID from the request or mints one, and echoes it back.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(logging.CorrelationIDHeader)
		if id == "" || len(id) > 64 {
			id = logging.NewCorrelationID()
		}
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Header(logging.CorrelationIDHeader, id)
		c.Next()
	}
}

// RequestLogger writes one structured line per request. Run it after CorrelationID.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		entry := logging.FromContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("Request failed")
			return
		}
		entry.Info("Request handled")
	}
}

func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req services.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp := common.NewErrorResponse(http.StatusBadRequest, string(apperr.CodeValidationError), "Invalid request body", logging.CorrelationID(c.Request.Context()))
		c.JSON(http.StatusBadRequest, resp.WithDetails(err.Error()))
		return
	}

	res, err := h.Payments.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, common.NewSuccessResponse(http.StatusAccepted, res.CustomerMessage, res))
}

func (h *PaymentHandler) RetryPayment(c *gin.Context) {
	res, err := h.Payments.RetryPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, common.NewSuccessResponse(http.StatusAccepted, res.CustomerMessage, res))
}

func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	live, _ := strconv.ParseBool(c.DefaultQuery("live", "false"))
	status, err := h.Payments.GetPaymentStatus(c.Request.Context(), c.Param("id"), live)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(http.StatusOK, "Payment status retrieved", status))
}

func (h *PaymentHandler) GetTabBalance(c *gin.Context) {
	balance, err := h.Payments.GetTabBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(http.StatusOK, "Tab balance retrieved", balance))
}

func (h *PaymentHandler) ListTabTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(common.DefaultPageSize)))

	result, err := h.Payments.ListTabTransactions(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(http.StatusOK, "Transactions retrieved", result))
}

// writeError renders an application error with its mapped status and user-facing message.
func writeError(c *gin.Context, err error) {
	status := apperr.StatusOf(err)
	code := apperr.CodeOf(err)
	log := logging.FromContext(c.Request.Context()).WithFields(logging.SafeFields(apperr.Fields(err)))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Info("Request rejected")
	}

	c.JSON(status, common.NewErrorResponse(status, string(code), apperr.UserMessage(err), logging.CorrelationID(c.Request.Context())))
}
