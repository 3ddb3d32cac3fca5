package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"vending-kiosk/internal/controller"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/session"
	"vending-kiosk/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultSalesLimit = 50
	maxSalesLimit     = 500
	streamBuffer      = 64
)

// Kiosk is the transaction controller as the API drives it
type Kiosk interface {
	Snapshot() controller.View
	RefreshCatalog(ctx context.Context) error
	InsertMoney(ctx context.Context, amount decimal.Decimal) error
	SelectItem(name string, qty int) error
	DeselectItem(name string) error
	Purchase(ctx context.Context) error
	ResetTransaction(ctx context.Context) (decimal.Decimal, error)
	Subscribe(l controller.Listener) func()
}

// Screens is the session flow as the API drives it
type Screens interface {
	Begin(ctx context.Context) error
	Abandon(ctx context.Context) (decimal.Decimal, error)
	Stage() session.Stage
}

// SalesLister reads the sales history
type SalesLister interface {
	ListSales(ctx context.Context, machineID string, limit int) ([]models.Sale, error)
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	kiosk     Kiosk
	screens   Screens
	sales     SalesLister
	machineID string
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. sales may be nil when the audit
// pipeline is disabled.
func NewHandler(kiosk Kiosk, screens Screens, sales SalesLister, machineID string) *Handler {
	return &Handler{
		kiosk:     kiosk,
		screens:   screens,
		sales:     sales,
		machineID: machineID,
		checks:    map[string]ReadinessCheck{},
		logger:    util.GetLogger().With(zap.String("component", "api")),
	}
}

// AddReadinessCheck registers a dependency for /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/state", h.getState)
		v1.POST("/session/start", h.startSession)
		v1.POST("/session/end", h.endSession)
		v1.GET("/catalog", h.getCatalog)
		v1.POST("/catalog/refresh", h.refreshCatalog)
		v1.POST("/money", h.insertMoney)
		v1.POST("/cart/items", h.selectItem)
		v1.DELETE("/cart/items/:name", h.deselectItem)
		v1.POST("/purchase", h.purchase)
		v1.POST("/return-change", h.returnChange)
		v1.GET("/events", h.streamEvents)
		v1.GET("/sales", h.listSales)
	}
}

type stateResponse struct {
	controller.View
	Stage string `json:"stage"`
}

type insertMoneyRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type selectItemRequest struct {
	Item     string `json:"item" binding:"required"`
	Quantity int    `json:"quantity"`
}

type changeResponse struct {
	Change decimal.Decimal `json:"change"`
	State  stateResponse   `json:"state"`
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every registered dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) state() stateResponse {
	return stateResponse{View: h.kiosk.Snapshot(), Stage: h.screens.Stage().String()}
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) startSession(c *gin.Context) {
	if err := h.screens.Begin(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) endSession(c *gin.Context) {
	change, err := h.screens.Abandon(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changeResponse{Change: change, State: h.state()})
}

func (h *Handler) getCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.kiosk.Snapshot().Catalog})
}

func (h *Handler) refreshCatalog(c *gin.Context) {
	if err := h.kiosk.RefreshCatalog(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": h.kiosk.Snapshot().Catalog})
}

func (h *Handler) insertMoney(c *gin.Context) {
	var req insertMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.kiosk.InsertMoney(c.Request.Context(), req.Amount); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) selectItem(c *gin.Context) {
	var req selectItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	if err := h.kiosk.SelectItem(req.Item, req.Quantity); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) deselectItem(c *gin.Context) {
	if err := h.kiosk.DeselectItem(c.Param("name")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) purchase(c *gin.Context) {
	if err := h.kiosk.Purchase(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.state())
}

func (h *Handler) returnChange(c *gin.Context) {
	change, err := h.kiosk.ResetTransaction(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changeResponse{Change: change, State: h.state()})
}

// streamEvents pushes controller events as server-sent events. The current
// state is sent first so clients start from a known view.
func (h *Handler) streamEvents(c *gin.Context) {
	events := make(chan models.KioskEvent, streamBuffer)
	unsubscribe := h.kiosk.Subscribe(func(ev models.KioskEvent) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("Event stream client too slow, dropping event",
				zap.String("event_type", ev.EventType))
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("STATE", h.state())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(ev.EventType, ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) listSales(c *gin.Context) {
	if h.sales == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sales history is disabled"})
		return
	}

	limit := defaultSalesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		if n > maxSalesLimit {
			n = maxSalesLimit
		}
		limit = n
	}

	sales, err := h.sales.ListSales(c.Request.Context(), h.machineID, limit)
	if err != nil {
		h.logger.Error("Failed to list sales", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list sales",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

// writeError maps controller errors to a status and attaches the state the
// controller was left in
func (h *Handler) writeError(c *gin.Context, err error) {
	kind := controller.KindOf(err)
	msg := err.Error()
	var cerr *controller.Error
	if errors.As(err, &cerr) && cerr.Msg != "" {
		msg = cerr.Msg
	}

	c.JSON(statusFor(kind), gin.H{
		"error":     msg,
		"code":      kind.Code(),
		"retryable": kind.Retryable(),
		"state":     h.state(),
	})
}

func statusFor(kind controller.Kind) int {
	switch kind {
	case controller.KindInvalidAmount, controller.KindEmptyCart, controller.KindInvalidQuantity:
		return http.StatusBadRequest
	case controller.KindInvalidState, controller.KindBusy:
		return http.StatusConflict
	case controller.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case controller.KindOutOfStock, controller.KindItemUnavailable,
		controller.KindPaymentRejected, controller.KindPartialPurchase:
		return http.StatusUnprocessableEntity
	case controller.KindNetwork, controller.KindCatalogUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
