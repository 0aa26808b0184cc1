package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"minidesk/internal/account"
	"minidesk/internal/exchange"
	"minidesk/internal/funding"
	"minidesk/internal/market"
	"minidesk/internal/store"
	"minidesk/internal/trading"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server exposes the trading gateway to the mini-app front-end. Failures in
// the submission path come back as 200 bodies with success=false so the UI
// renders them as messages; only validation and guard errors use 4xx.
type Server struct {
	cache       *market.Cache
	accounts    *account.Reader
	coordinator *trading.Coordinator
	machine     *funding.Machine
	balances    *funding.BalanceReader
	trades      *store.Store
	marketData  exchange.MarketData
	log         logrus.FieldLogger

	bookDepth      int
	candleInterval string
}

type Options struct {
	BookDepth      int
	CandleInterval string
}

func NewServer(
	cache *market.Cache,
	accounts *account.Reader,
	coordinator *trading.Coordinator,
	machine *funding.Machine,
	balances *funding.BalanceReader,
	trades *store.Store,
	marketData exchange.MarketData,
	opts Options,
	log logrus.FieldLogger,
) *Server {
	return &Server{
		cache:          cache,
		accounts:       accounts,
		coordinator:    coordinator,
		machine:        machine,
		balances:       balances,
		trades:         trades,
		marketData:     marketData,
		log:            log,
		bookDepth:      opts.BookDepth,
		candleInterval: opts.CandleInterval,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		api.GET("/markets", s.handleMarkets)
		api.GET("/markets/:symbol/book", s.handleBook)
		api.GET("/markets/:symbol/candles", s.handleCandles)

		api.GET("/account", s.handleAccount)
		api.POST("/account/address", s.handleSetAddress)
		api.POST("/account/refresh", s.handleRefresh)

		api.POST("/orders/feasibility", s.handleFeasibility)
		api.POST("/orders/market", s.handleMarketOrder)
		api.POST("/orders/limit", s.handleLimitOrder)
		api.POST("/orders/close", s.handleClosePosition)
		api.POST("/builder-fee/approve", s.handleApproveBuilderFee)

		api.GET("/funding/balances", s.handleFundingBalances)
		api.GET("/funding/state", s.handleFundingState)
		api.POST("/funding/one-click", s.handleOneClickFund)
		api.POST("/funding/transfer", s.handleTransferOnly)
		api.POST("/funding/reset", s.handleFundingReset)

		api.GET("/trades", s.handleTrades)
	}
	return router
}

func (s *Server) Run(port int) error {
	return s.Router().Run(fmt.Sprintf(":%d", port))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleMarkets(c *gin.Context) {
	assets, err := s.marketData.Assets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	prices := s.cache.Prices()
	out := make([]gin.H, 0, len(assets))
	for _, asset := range assets {
		entry := gin.H{
			"index":        asset.Index,
			"name":         asset.Name,
			"sz_decimals":  asset.SzDecimals,
			"max_leverage": asset.MaxLeverage,
		}
		if px, ok := prices[asset.Name]; ok {
			entry["mid_price"] = px
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"assets": out})
}

func (s *Server) handleBook(c *gin.Context) {
	depth := s.bookDepth
	if raw := c.Query("depth"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			depth = n
		}
	}

	view := s.cache.GetOrderBook(c.Param("symbol"), depth)
	c.JSON(http.StatusOK, gin.H{
		"symbol":         view.Symbol,
		"bids":           bookLevels(view.Bids),
		"asks":           bookLevels(view.Asks),
		"spread":         view.Spread,
		"spread_percent": view.SpreadPercent,
	})
}

func bookLevels(levels []exchange.BookLevel) []gin.H {
	out := make([]gin.H, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, gin.H{"price": lvl.Price, "size": lvl.Size, "order_count": lvl.OrderCount})
	}
	return out
}

func (s *Server) handleCandles(c *gin.Context) {
	interval := c.DefaultQuery("interval", s.candleInterval)
	candles := s.cache.Candles(c.Param("symbol"), interval)

	out := make([]gin.H, 0, len(candles))
	for _, k := range candles {
		out = append(out, gin.H{
			"open_time": k.OpenTime.UnixMilli(),
			"open":      k.Open,
			"high":      k.High,
			"low":       k.Low,
			"close":     k.Close,
			"volume":    k.Volume,
			"trades":    k.Trades,
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "interval": interval, "candles": out})
}

func (s *Server) handleAccount(c *gin.Context) {
	snap := s.accounts.Snapshot()

	positions := make([]gin.H, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		entry := gin.H{
			"symbol":         p.Symbol,
			"size":           p.Size,
			"entry_price":    p.EntryPrice,
			"mark_price":     p.MarkPrice,
			"unrealized_pnl": p.UnrealizedPnl,
			"leverage":       p.Leverage,
			"margin_used":    p.MarginUsed,
		}
		if p.LiquidationPrice != nil {
			entry["liquidation_price"] = *p.LiquidationPrice
		}
		positions = append(positions, entry)
	}

	available := snap.Margin.AvailableBalance
	if available.Sign() < 0 {
		// Display floor; feasibility checks use the raw value.
		available = decimal.Zero
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   s.accounts.Address(),
		"connected": s.accounts.Address() != "",
		"positions": positions,
		"margin": gin.H{
			"account_value":     snap.Margin.AccountValue,
			"total_margin_used": snap.Margin.TotalMarginUsed,
			"total_ntl_pos":     snap.Margin.TotalNtlPos,
			"available_balance": available,
		},
		"spot_balances": snap.SpotBalances,
		"open_orders":   snap.OpenOrders,
		"updated_at":    snap.UpdatedAt,
	})
}

type setAddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetAddress(c *gin.Context) {
	var req setAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.accounts.SetAddress(req.Address)
	if err := s.accounts.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address})
}

func (s *Server) handleRefresh(c *gin.Context) {
	if err := s.accounts.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type feasibilityRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required"`
	Size     string `json:"size" binding:"required"`
	Price    string `json:"price"`
	Leverage int    `json:"leverage"`
}

func (s *Server) handleFeasibility(c *gin.Context) {
	var req feasibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	size, err := decimal.NewFromString(req.Size)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}

	var price decimal.Decimal
	if req.Price != "" {
		price, err = decimal.NewFromString(req.Price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
	} else {
		mid, ok := s.cache.GetPrice(req.Symbol)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"submittable": false, "reason": "no price available"})
			return
		}
		price = mid
	}

	f := trading.Assess(size, price, req.Leverage, s.accounts.AvailableBalance())
	c.JSON(http.StatusOK, gin.H{
		"estimated_value":   f.EstimatedValue,
		"margin_required":   f.MarginRequired,
		"available_balance": f.AvailableBalance,
		"shortfall":         f.Shortfall,
		"submittable":       f.Submittable,
		"reason":            f.Reason,
	})
}

type marketOrderRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	Side       string `json:"side" binding:"required"`
	Size       string `json:"size" binding:"required"`
	Leverage   int    `json:"leverage"`
	ReduceOnly bool   `json:"reduce_only"`
}

func (s *Server) handleMarketOrder(c *gin.Context) {
	var req marketOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	size, side, ok := parseSizeSide(c, req.Size, req.Side)
	if !ok {
		return
	}

	res, err := s.coordinator.PlaceMarketOrder(c.Request.Context(), trading.MarketOrderParams{
		Symbol:     req.Symbol,
		Side:       side,
		Size:       size,
		Leverage:   req.Leverage,
		ReduceOnly: req.ReduceOnly,
	})
	s.renderOrderOutcome(c, res, err)
}

type limitOrderRequest struct {
	Symbol     string `json:"symbol" binding:"required"`
	Side       string `json:"side" binding:"required"`
	Size       string `json:"size" binding:"required"`
	Price      string `json:"price" binding:"required"`
	Leverage   int    `json:"leverage"`
	ReduceOnly bool   `json:"reduce_only"`
}

func (s *Server) handleLimitOrder(c *gin.Context) {
	var req limitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	size, side, ok := parseSizeSide(c, req.Size, req.Side)
	if !ok {
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	res, err := s.coordinator.PlaceLimitOrder(c.Request.Context(), trading.LimitOrderParams{
		Symbol:     req.Symbol,
		Side:       side,
		Size:       size,
		Price:      price,
		Leverage:   req.Leverage,
		ReduceOnly: req.ReduceOnly,
	})
	s.renderOrderOutcome(c, res, err)
}

type closePositionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.coordinator.ClosePosition(c.Request.Context(), req.Symbol)
	s.renderOrderOutcome(c, res, err)
}

func parseSizeSide(c *gin.Context, rawSize, rawSide string) (decimal.Decimal, exchange.Side, bool) {
	size, err := decimal.NewFromString(rawSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return decimal.Zero, "", false
	}
	switch rawSide {
	case string(exchange.SideBuy):
		return size, exchange.SideBuy, true
	case string(exchange.SideSell):
		return size, exchange.SideSell, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buy or sell"})
		return decimal.Zero, "", false
	}
}

func (s *Server) renderOrderOutcome(c *gin.Context, res trading.Result, err error) {
	if err != nil {
		var feaErr *trading.FeasibilityError
		switch {
		case errors.Is(err, trading.ErrSubmissionInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &feaErr):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     feaErr.Error(),
				"shortfall": feaErr.Feasibility.Shortfall,
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	body := gin.H{"success": res.Success}
	if res.OrderID != "" {
		body["order_id"] = res.OrderID
	}
	if res.ErrorMessage != "" {
		body["error_message"] = res.ErrorMessage
	}
	if res.BuilderFeeRequired {
		body["builder_fee_required"] = true
		body["remediation"] = "approve the builder fee, then resubmit"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleApproveBuilderFee(c *gin.Context) {
	if err := s.coordinator.ApproveBuilderFee(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

func (s *Server) handleFundingBalances(c *gin.Context) {
	bal := s.balances.Balances(c.Request.Context(), s.accounts.Address())
	c.JSON(http.StatusOK, gin.H{
		"base_usdc":       bal.BaseUSDC,
		"hyperevm_usdhl":  bal.HyperEvmUSDHL,
		"hl_perp_margin":  bal.PerpMargin,
		"hl_spot_balance": bal.SpotUSDC,
		"note":            bal.Note,
	})
}

func (s *Server) handleFundingState(c *gin.Context) {
	state := s.machine.State()
	c.JSON(http.StatusOK, gin.H{"step": state.Step, "tx_hash": state.TxHash, "error": state.Err})
}

type fundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) handleOneClickFund(c *gin.Context) {
	s.runFunding(c, s.machine.OneClickFund)
}

func (s *Server) handleTransferOnly(c *gin.Context) {
	s.runFunding(c, s.machine.TransferOnly)
}

func (s *Server) runFunding(c *gin.Context, fn func(ctx context.Context, address string, amount decimal.Decimal) error) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	err = fn(c.Request.Context(), s.accounts.Address(), amount)
	state := s.machine.State()
	body := gin.H{"step": state.Step, "tx_hash": state.TxHash, "error": state.Err}
	if err != nil && errors.Is(err, funding.ErrFundingInProgress) {
		c.JSON(http.StatusConflict, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleFundingReset(c *gin.Context) {
	if err := s.machine.Reset(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []store.Trade{}})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	wallet := c.DefaultQuery("wallet", s.accounts.Address())
	trades, err := s.trades.TradesByWallet(c.Request.Context(), wallet, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
