package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scalpel/internal/broker"
	"scalpel/internal/history"
	"scalpel/internal/ledger"
	"scalpel/internal/market"
	"scalpel/internal/profile"
	"scalpel/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTrades struct {
	active    []trade.Trade
	live      map[string]trade.Trade
	enterErr  error
	cancelErr error
	closeErr  error

	lastEnter  trade.EnterRequest
	lastCancel [2]string
	lastClose  string
}

func (s *stubTrades) Enter(_ context.Context, req trade.EnterRequest) (trade.Trade, error) {
	s.lastEnter = req
	if s.enterErr != nil {
		return trade.Trade{}, s.enterErr
	}
	return trade.Trade{
		ID:         "t-new",
		Underlying: req.Underlying,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Profile:    req.Profile,
		State:      trade.StatePending,
		CreatedAt:  time.Now(),
	}, nil
}

func (s *stubTrades) Cancel(_ context.Context, id, cause string) error {
	s.lastCancel = [2]string{id, cause}
	return s.cancelErr
}

func (s *stubTrades) Close(_ context.Context, id string) error {
	s.lastClose = id
	return s.closeErr
}

func (s *stubTrades) ActiveTrades() []trade.Trade { return s.active }

func (s *stubTrades) Get(id string) (trade.Trade, bool) {
	tr, ok := s.live[id]
	return tr, ok
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Trades == nil {
		cfg.Trades = &stubTrades{}
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestNewServerRequiresTradeService(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics ok"))
	})
	srv := newTestServer(t, ServerConfig{Metrics: metrics})

	w, out := doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])

	w, _ = doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "metrics ok")

	bare := newTestServer(t, ServerConfig{})
	w, _ = doRequest(t, bare, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActiveTradesAndLiveLookup(t *testing.T) {
	live := trade.Trade{
		ID:         "live-1",
		Underlying: "SPX",
		Side:       broker.Buy,
		Quantity:   1,
		State:      trade.StateWorking,
		CreatedAt:  time.Now(),
	}
	stub := &stubTrades{
		active: []trade.Trade{live},
		live:   map[string]trade.Trade{"live-1": live},
	}
	srv := newTestServer(t, ServerConfig{Trades: stub})

	w, out := doRequest(t, srv, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])
	trades := out["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "live-1", trades[0].(map[string]any)["id"])

	w, out = doRequest(t, srv, http.MethodGet, "/api/trades/live-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["active"])
	assert.Equal(t, "live-1", out["trade"].(map[string]any)["id"])

	w, _ = doRequest(t, srv, http.MethodGet, "/api/trades/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTradeFallsBackToArchive(t *testing.T) {
	hist, err := history.New(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	created := time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC)
	filled := created.Add(2 * time.Second)
	ended := created.Add(time.Minute)
	done := trade.Trade{
		ID:         "done-1",
		Underlying: "SPX",
		Side:       broker.Buy,
		Quantity:   1,
		State:      trade.StateClosed,
		EntryPrice: 5.00,
		ExitPrice:  6.00,
		ExitReason: trade.ExitTakeProfit,
		CreatedAt:  created,
		FilledAt:   &filled,
		EndedAt:    &ended,
	}
	require.NoError(t, hist.Archive(context.Background(), done))

	srv := newTestServer(t, ServerConfig{History: hist})

	w, out := doRequest(t, srv, http.MethodGet, "/api/trades/done-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["active"])
	report := out["trade"].(map[string]any)
	assert.Equal(t, "done-1", report["id"])
	assert.InDelta(t, 100.0, report["plDollar"], 1e-9)

	w, _ = doRequest(t, srv, http.MethodGet, "/api/trades/never-existed", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnterCommand(t *testing.T) {
	t.Run("accepts a full order", func(t *testing.T) {
		stub := &stubTrades{}
		srv := newTestServer(t, ServerConfig{Trades: stub})
		body := `{"underlying":"SPX","side":"buy","quantity":2,"profile":"scalp","greeks":{"delta":0.42,"gamma":0.03,"theta":-0.11}}`

		w, out := doRequest(t, srv, http.MethodPost, "/api/trades", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "t-new", out["trade"].(map[string]any)["id"])

		assert.Equal(t, "SPX", stub.lastEnter.Underlying)
		assert.Equal(t, broker.Buy, stub.lastEnter.Side)
		assert.Equal(t, int64(2), stub.lastEnter.Quantity)
		assert.Equal(t, "scalp", stub.lastEnter.Profile)
		require.NotNil(t, stub.lastEnter.Greeks)
		assert.InDelta(t, 0.42, stub.lastEnter.Greeks.Delta, 1e-9)
		assert.InDelta(t, -0.11, stub.lastEnter.Greeks.Theta, 1e-9)
	})

	t.Run("greeks are optional", func(t *testing.T) {
		stub := &stubTrades{}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades", `{"underlying":"NDX","side":"sell","quantity":1}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, stub.lastEnter.Greeks)
		assert.Equal(t, broker.Sell, stub.lastEnter.Side)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		cases := []struct {
			name string
			body string
			want string
		}{
			{"empty body", "", "request body is required"},
			{"broken json", `{"underlying":`, "not valid json"},
			{"not an object", `[1,2]`, "must be a json object"},
			{"missing underlying", `{"side":"buy","quantity":1}`, "underlying is required"},
			{"missing side", `{"underlying":"SPX","quantity":1}`, "side is required"},
			{"bad side", `{"underlying":"SPX","side":"hold","quantity":1}`, "side must be buy or sell"},
			{"missing quantity", `{"underlying":"SPX","side":"buy"}`, "quantity is required"},
			{"string quantity", `{"underlying":"SPX","side":"buy","quantity":"2"}`, "quantity must be a number"},
			{"fractional quantity", `{"underlying":"SPX","side":"buy","quantity":1.5}`, "whole number"},
			{"zero quantity", `{"underlying":"SPX","side":"buy","quantity":0}`, "must be positive"},
			{"greeks not an object", `{"underlying":"SPX","side":"buy","quantity":1,"greeks":[1]}`, "greeks must be an object"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				srv := newTestServer(t, ServerConfig{})
				w, out := doRequest(t, srv, http.MethodPost, "/api/trades", tc.body)
				require.Equal(t, http.StatusBadRequest, w.Code)
				assert.Contains(t, out["error"], tc.want)
			})
		}
	})

	t.Run("quote problems map to 503", func(t *testing.T) {
		stub := &stubTrades{enterErr: fmt.Errorf("no tradable quote for SPX: %w", market.ErrStaleData)}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades", `{"underlying":"SPX","side":"buy","quantity":1}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("unknown profile maps to 400", func(t *testing.T) {
		stub := &stubTrades{enterErr: fmt.Errorf("unknown profile %q", "warp")}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, out := doRequest(t, srv, http.MethodPost, "/api/trades", `{"underlying":"SPX","side":"buy","quantity":1,"profile":"warp"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, out["error"], "unknown profile")
	})
}

func TestCancelAndCloseCommands(t *testing.T) {
	t.Run("cancel passes reason through", func(t *testing.T) {
		stub := &stubTrades{}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, out := doRequest(t, srv, http.MethodPost, "/api/trades/t-1/cancel", `{"reason":"fat finger"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, [2]string{"t-1", "fat finger"}, stub.lastCancel)
	})

	t.Run("cancel body is optional", func(t *testing.T) {
		stub := &stubTrades{}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades/t-1/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, [2]string{"t-1", ""}, stub.lastCancel)
	})

	t.Run("cancel rejects broken body", func(t *testing.T) {
		srv := newTestServer(t, ServerConfig{})
		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades/t-1/cancel", `{"reason":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown trade maps to 404", func(t *testing.T) {
		stub := &stubTrades{
			cancelErr: fmt.Errorf("cancel t-x: %w", trade.ErrTradeNotFound),
			closeErr:  fmt.Errorf("close t-x: %w", trade.ErrTradeNotFound),
		}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades/t-x/cancel", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		w, _ = doRequest(t, srv, http.MethodPost, "/api/trades/t-x/close", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("wrong state maps to 409", func(t *testing.T) {
		stub := &stubTrades{
			cancelErr: errors.New("trade t-1 already filled; close it instead"),
			closeErr:  errors.New("trade t-1 has no open position to close (state WORKING)"),
		}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, _ := doRequest(t, srv, http.MethodPost, "/api/trades/t-1/cancel", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		w, _ = doRequest(t, srv, http.MethodPost, "/api/trades/t-1/close", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("close accepted", func(t *testing.T) {
		stub := &stubTrades{}
		srv := newTestServer(t, ServerConfig{Trades: stub})

		w, out := doRequest(t, srv, http.MethodPost, "/api/trades/t-9/close", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, "t-9", stub.lastClose)
	})
}

func TestHistoryEndpoint(t *testing.T) {
	hist, err := history.New(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	base := time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC)
	seed := func(id, underlying string, created time.Time) {
		ended := created.Add(time.Minute)
		tr := trade.Trade{
			ID:           id,
			Underlying:   underlying,
			Side:         broker.Buy,
			Quantity:     1,
			State:        trade.StateCancelled,
			CancelReason: "attempt ceiling reached (10)",
			CreatedAt:    created,
			EndedAt:      &ended,
		}
		require.NoError(t, hist.Archive(context.Background(), tr))
	}
	seed("spx-old", "SPX", base)
	seed("ndx-mid", "NDX", base.Add(time.Hour))
	seed("spx-new", "SPX", base.Add(2*time.Hour))

	srv := newTestServer(t, ServerConfig{History: hist})

	w, out := doRequest(t, srv, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), out["total"])
	trades := out["trades"].([]any)
	require.Len(t, trades, 3)
	assert.Equal(t, "spx-new", trades[0].(map[string]any)["id"])

	w, out = doRequest(t, srv, http.MethodGet, "/api/history?underlying=spx", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), out["total"])

	w, out = doRequest(t, srv, http.MethodGet, "/api/history?limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, float64(3), out["total"])
	assert.Equal(t, "ndx-mid", out["trades"].([]any)[0].(map[string]any)["id"])

	// Unparseable paging falls back to defaults instead of erroring.
	w, out = doRequest(t, srv, http.MethodGet, "/api/history?limit=-5&offset=x", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), out["count"])

	bare := newTestServer(t, ServerConfig{})
	w, _ = doRequest(t, bare, http.MethodGet, "/api/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	led, err := ledger.New(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db"), Retention: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	ctx := context.Background()
	seed := func(tradeID string, price float64) string {
		id := led.NewClientOrderID()
		_, err := led.RecordSubmission(ctx, ledger.Record{
			ClientOrderID: id,
			TradeID:       tradeID,
			Symbol:        "SPX",
			Side:          "buy",
			Quantity:      1,
			LimitPrice:    price,
		})
		require.NoError(t, err)
		return id
	}
	first := seed("tr-1", 5.10)
	seed("tr-1", 5.15)
	seed("tr-2", 2.40)
	require.NoError(t, led.ConfirmSubmission(ctx, first, "brk-1"))

	srv := newTestServer(t, ServerConfig{Ledger: led})

	w, out := doRequest(t, srv, http.MethodGet, "/api/ledger/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := out["stats"].(map[string]any)
	assert.Equal(t, float64(3), stats["total"])

	w, out = doRequest(t, srv, http.MethodGet, "/api/ledger/orders?trade_id=tr-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), out["count"])
	orders := out["orders"].([]any)
	require.Len(t, orders, 2)
	assert.NotEmpty(t, orders[0].(map[string]any)["client_order_id"])

	w, _ = doRequest(t, srv, http.MethodGet, "/api/ledger/orders", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bare := newTestServer(t, ServerConfig{})
	w, _ = doRequest(t, bare, http.MethodGet, "/api/ledger/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProfilesEndpoint(t *testing.T) {
	reg, err := profile.NewRegistry("")
	require.NoError(t, err)

	srv := newTestServer(t, ServerConfig{Profiles: reg})

	w, out := doRequest(t, srv, http.MethodGet, "/api/profiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, out["version"], float64(1))
	assert.NotEmpty(t, out["profiles"])

	bare := newTestServer(t, ServerConfig{})
	w, _ = doRequest(t, bare, http.MethodGet, "/api/profiles", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMarketEndpoint(t *testing.T) {
	quotes := market.NewQuoteStore(50 * time.Millisecond)
	quotes.Update(market.Tick{Symbol: "SPX", Last: 5.50, Bid: 5.25, Ask: 5.75, Timestamp: time.Now()})

	srv := newTestServer(t, ServerConfig{Quotes: quotes})

	w, out := doRequest(t, srv, http.MethodGet, "/api/market", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(50), out["freshness_ms"])
	symbols := out["symbols"].([]any)
	require.Len(t, symbols, 1)
	view := symbols[0].(map[string]any)
	assert.Equal(t, "SPX", view["symbol"])
	assert.Equal(t, false, view["stale"])
	quote := view["quote"].(map[string]any)
	assert.InDelta(t, 5.50, quote["mid"], 1e-9)
	assert.InDelta(t, 0.50, quote["spread"], 1e-9)

	// Once past the freshness window the quote is still shown but flagged.
	time.Sleep(60 * time.Millisecond)
	w, out = doRequest(t, srv, http.MethodGet, "/api/market", "")
	require.Equal(t, http.StatusOK, w.Code)
	view = out["symbols"].([]any)[0].(map[string]any)
	assert.Equal(t, true, view["stale"])
	assert.NotNil(t, view["quote"])

	bare := newTestServer(t, ServerConfig{})
	w, _ = doRequest(t, bare, http.MethodGet, "/api/market", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
