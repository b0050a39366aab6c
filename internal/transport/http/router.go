package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scalpel/internal/history"
	"scalpel/internal/ledger"
	"scalpel/internal/logger"
	"scalpel/internal/market"
	"scalpel/internal/profile"
	"scalpel/internal/trade"

	"github.com/gin-gonic/gin"
)

// storeTimeout bounds every read-store query issued on behalf of a request.
const storeTimeout = 2 * time.Second

// TradeService is the command surface the API drives. *trade.Manager
// satisfies it; tests substitute a stub.
type TradeService interface {
	Enter(ctx context.Context, req trade.EnterRequest) (trade.Trade, error)
	Cancel(ctx context.Context, id, cause string) error
	Close(ctx context.Context, id string) error
	ActiveTrades() []trade.Trade
	Get(id string) (trade.Trade, bool)
}

// ServerConfig describes the API dependencies.
type ServerConfig struct {
	Addr     string
	Trades   TradeService
	History  *history.Store
	Ledger   *ledger.Ledger
	Profiles *profile.Registry
	Quotes   *market.QuoteStore
	Metrics  http.Handler
}

// Router binds the API routes to the execution core.
type Router struct {
	trades   TradeService
	history  *history.Store
	ledger   *ledger.Ledger
	profiles *profile.Registry
	quotes   *market.QuoteStore
}

// NewRouter builds a Router from the server dependencies.
func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		trades:   cfg.Trades,
		history:  cfg.History,
		ledger:   cfg.Ledger,
		profiles: cfg.Profiles,
		quotes:   cfg.Quotes,
	}
}

// Register mounts all routes on the group.
func (r *Router) Register(group *gin.RouterGroup) {
	if r == nil || group == nil {
		return
	}
	group.GET("/trades", r.handleActiveTrades)
	group.GET("/trades/:id", r.handleGetTrade)
	group.POST("/trades", r.handleEnter)
	group.POST("/trades/:id/cancel", r.handleCancel)
	group.POST("/trades/:id/close", r.handleClose)
	group.GET("/history", r.handleHistory)
	group.GET("/ledger/stats", r.handleLedgerStats)
	group.GET("/ledger/orders", r.handleLedgerOrders)
	group.GET("/profiles", r.handleProfiles)
	group.GET("/market", r.handleMarket)
}

func (r *Router) handleActiveTrades(c *gin.Context) {
	trades := r.trades.ActiveTrades()
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// handleGetTrade answers from the live manager first and falls back to the
// archive, so an id stays resolvable after the trade retires.
func (r *Router) handleGetTrade(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade id is required"})
		return
	}
	if tr, ok := r.trades.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"trade": tr, "active": true})
		return
	}
	if r.history != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
		defer cancel()
		rep, ok, err := r.history.Get(ctx, id)
		if err != nil {
			logger.Warnf("[api] history lookup %s failed: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
			return
		}
		if ok {
			c.JSON(http.StatusOK, gin.H{"trade": rep, "active": false})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	underlying := strings.TrimSpace(c.Query("underlying"))
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	reports, err := r.history.List(ctx, underlying, limit, offset)
	if err != nil {
		logger.Warnf("[api] history list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}
	total, err := r.history.Count(ctx, underlying)
	if err != nil {
		logger.Warnf("[api] history count failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": reports,
		"count":  len(reports),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (r *Router) handleLedgerStats(c *gin.Context) {
	if r.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	stats, err := r.ledger.GetStats(ctx)
	if err != nil {
		logger.Warnf("[api] ledger stats failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (r *Router) handleLedgerOrders(c *gin.Context) {
	if r.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not configured"})
		return
	}
	tradeID := strings.TrimSpace(c.Query("trade_id"))
	if tradeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade_id query parameter is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	records, err := r.ledger.GetOrdersByTrade(ctx, tradeID)
	if err != nil {
		logger.Warnf("[api] ledger orders for %s failed: %v", tradeID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": records, "count": len(records)})
}

func (r *Router) handleProfiles(c *gin.Context) {
	if r.profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profile registry not configured"})
		return
	}
	c.JSON(http.StatusOK, r.profiles.Snapshot())
}

// marketView is the per-symbol quote health row. Quote is nil until a first
// tick arrives; Stale marks data past the freshness window.
type marketView struct {
	Symbol      string           `json:"symbol"`
	Quote       *market.Snapshot `json:"quote,omitempty"`
	RealizedVol float64          `json:"realizedVol"`
	Stale       bool             `json:"stale"`
}

func (r *Router) handleMarket(c *gin.Context) {
	if r.quotes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quote store not configured"})
		return
	}
	symbols := r.quotes.Symbols()
	views := make([]marketView, 0, len(symbols))
	for _, sym := range symbols {
		view := marketView{Symbol: sym, RealizedVol: r.quotes.RealizedVol(sym)}
		snap, err := r.quotes.Snapshot(sym)
		switch {
		case err == nil:
			view.Quote = &snap
		case errors.Is(err, market.ErrStaleData):
			view.Stale = true
			if t, ok := r.quotes.Latest(sym); ok {
				s := t.Snapshot()
				view.Quote = &s
			}
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{
		"symbols":      views,
		"freshness_ms": r.quotes.Freshness().Milliseconds(),
	})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
