package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"scalpel/internal/broker"
	"scalpel/internal/chase"
	"scalpel/internal/logger"
	"scalpel/internal/market"
	"scalpel/internal/trade"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// Command bodies are validated field by field from the raw JSON before the
// manager sees them; gin's binder coerces types too loosely for order input.

func (r *Router) handleEnter(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return
	}
	req, err := parseEnterRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tr, err := r.trades.Enter(c.Request.Context(), req)
	if err != nil {
		logger.Warnf("[api] enter %s %s rejected: %v ip=%s", req.Underlying, req.Side, err, c.ClientIP())
		c.JSON(enterStatus(err), gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] enter accepted: trade=%s %s %s qty=%d ip=%s", tr.ID, tr.Side, tr.Underlying, tr.Quantity, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

func (r *Router) handleCancel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade id is required"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return
	}
	reason, err := parseCancelReason(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.trades.Cancel(c.Request.Context(), id, reason); err != nil {
		logger.Warnf("[api] cancel %s rejected: %v ip=%s", id, err, c.ClientIP())
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] cancel accepted: trade=%s ip=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleClose(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade id is required"})
		return
	}
	if err := r.trades.Close(c.Request.Context(), id); err != nil {
		logger.Warnf("[api] close %s rejected: %v ip=%s", id, err, c.ClientIP())
		c.JSON(commandStatus(err), gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] close accepted: trade=%s ip=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// enterStatus maps an entry rejection to its HTTP status: quote problems are
// transient (503), everything else is bad input (400).
func enterStatus(err error) int {
	if errors.Is(err, market.ErrNoQuote) || errors.Is(err, market.ErrStaleData) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// commandStatus maps cancel/close rejections: unknown id is 404, a trade in
// the wrong state is 409.
func commandStatus(err error) int {
	if errors.Is(err, trade.ErrTradeNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func parseEnterRequest(body []byte) (trade.EnterRequest, error) {
	var req trade.EnterRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return req, errors.New("request body is required")
	}
	if !gjson.ValidBytes(body) {
		return req, errors.New("request body is not valid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return req, errors.New("request body must be a json object")
	}

	req.Underlying = strings.TrimSpace(root.Get("underlying").String())
	if req.Underlying == "" {
		return req, errors.New("underlying is required")
	}

	sideField := root.Get("side")
	if !sideField.Exists() {
		return req, errors.New("side is required")
	}
	side, err := broker.ParseSide(strings.TrimSpace(sideField.String()))
	if err != nil {
		return req, fmt.Errorf("side must be buy or sell, got %q", sideField.String())
	}
	req.Side = side

	qtyField := root.Get("quantity")
	if !qtyField.Exists() {
		return req, errors.New("quantity is required")
	}
	if qtyField.Type != gjson.Number {
		return req, errors.New("quantity must be a number")
	}
	if qtyField.Float() != float64(qtyField.Int()) {
		return req, errors.New("quantity must be a whole number")
	}
	if qtyField.Int() <= 0 {
		return req, errors.New("quantity must be positive")
	}
	req.Quantity = qtyField.Int()

	req.Profile = strings.TrimSpace(root.Get("profile").String())

	if g := root.Get("greeks"); g.Exists() {
		if !g.IsObject() {
			return req, errors.New("greeks must be an object")
		}
		req.Greeks = &chase.Greeks{
			Delta: g.Get("delta").Float(),
			Gamma: g.Get("gamma").Float(),
			Theta: g.Get("theta").Float(),
		}
	}
	return req, nil
}

// parseCancelReason accepts an empty body; the manager supplies the default
// cause.
func parseCancelReason(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("request body is not valid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "", errors.New("request body must be a json object")
	}
	return strings.TrimSpace(root.Get("reason").String()), nil
}
