package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/metrics"
	"kimpbot/internal/models"
	"kimpbot/pkg/ratelimit"
	"kimpbot/pkg/retry"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPublic   = "wss://stream.bybit.com/v5/public/linear"
	bybitWSPrivate  = "wss://stream.bybit.com/v5/private"
	bybitRecvWindow = "5000"
)

// Bybit implements ForeignPerp: the USDT-margined foreign perpetual leg of
// the hedge. Grounded on the teacher's Bybit adapter in this same file —
// the HMAC-SHA256 request signing, doRequest envelope, and
// WSReconnectManager wiring are kept nearly verbatim; what changes is the
// operation surface, narrowed from the teacher's generic
// balance/ticker/orderbook/position dashboard API to the foreign-perp
// capability spec section 4.8 names: open_short, close_short, set_leverage,
// positions, with lot-size normalization applied before every short.
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter

	wsPublicManager  *WSReconnectManager
	wsPrivateManager *WSReconnectManager

	callbackMu     sync.RWMutex
	tickerCallback func(models.Quote)

	lotSizeMu       sync.RWMutex
	lotSizes        map[models.Symbol]models.LotSize
	fundingInterval map[models.Symbol]float64

	connected bool
	closeChan chan struct{}

	log *zap.Logger
}

// NewBybit builds a Bybit adapter using the shared pooled HTTP client.
func NewBybit(apiKey, secretKey string, log *zap.Logger) *Bybit {
	return &Bybit{
		apiKey:          apiKey,
		secretKey:       secretKey,
		httpClient:      GetGlobalHTTPClient().GetClient(),
		limiter:         ratelimit.NewRateLimiter(10, 20),
		lotSizes:        make(map[models.Symbol]models.LotSize),
		fundingInterval: make(map[models.Symbol]float64),
		closeChan:       make(chan struct{}),
		log:             log,
	}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) sign(timestamp string, params string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + params
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody, reqURL string
	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := b.sign(timestamp, reqBody)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}
	if baseResp.RetCode != 0 {
		return nil, &CapabilityError{Venue: "bybit", Status: models.OrderRejected, Message: baseResp.RetMsg}
	}
	return body, nil
}

func (b *Bybit) Connect(ctx context.Context) error {
	if b.connected {
		return nil
	}
	if _, err := b.Balance(ctx, "USDT"); err != nil {
		return fmt.Errorf("connect to bybit: %w", err)
	}
	b.connected = true
	return nil
}

func (b *Bybit) Disconnect() error {
	return b.Close()
}

func (b *Bybit) Balance(ctx context.Context, currency string) (float64, error) {
	params := map[string]string{"accountType": "UNIFIED", "coin": currency}
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin   string `json:"coin"`
					Equity string `json:"equity"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if len(resp.Result.List) > 0 {
		for _, c := range resp.Result.List[0].Coin {
			if c.Coin == currency {
				v, _ := strconv.ParseFloat(c.Equity, 64)
				return v, nil
			}
		}
	}
	return 0, nil
}

// AvailableSymbols enumerates linear perpetuals and caches each one's lot
// size and funding interval, per spec section 4.8.
func (b *Bybit) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{"category": "linear"}, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				FundingInterval int `json:"fundingInterval"` // minutes
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := make([]models.Symbol, 0, len(resp.Result.List))
	b.lotSizeMu.Lock()
	for _, info := range resp.Result.List {
		base := strings.TrimSuffix(info.Symbol, "USDT")
		sym := models.NewSymbol(base, "USDT")
		minQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
		qtyStep, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
		b.lotSizes[sym] = models.LotSize{MinQty: minQty, QtyStep: qtyStep, MinNotional: 5.0}
		b.fundingInterval[sym] = float64(info.FundingInterval) / 60.0
		out = append(out, sym)
	}
	b.lotSizeMu.Unlock()
	return out, nil
}

func (b *Bybit) LotSize(symbol models.Symbol) (models.LotSize, bool) {
	b.lotSizeMu.RLock()
	defer b.lotSizeMu.RUnlock()
	ls, ok := b.lotSizes[symbol]
	return ls, ok
}

func (b *Bybit) FundingIntervalHours(symbol models.Symbol) (float64, bool) {
	b.lotSizeMu.RLock()
	defer b.lotSizeMu.RUnlock()
	hrs, ok := b.fundingInterval[symbol]
	return hrs, ok
}

func (b *Bybit) bybitSymbol(sym models.Symbol) string {
	return sym.Base + "USDT"
}

func (b *Bybit) placeMarketOrder(ctx context.Context, symbol models.Symbol, side models.Side, qty float64) (models.Order, error) {
	bybitSide := "Buy"
	if side == models.SideSell {
		bybitSide = "Sell"
	}
	params := map[string]string{
		"category":    "linear",
		"symbol":      b.bybitSymbol(symbol),
		"side":        bybitSide,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "IOC",
	}

	var orderID string
	err := retry.Do(ctx, func() error {
		body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
		if err != nil {
			return err
		}
		var resp struct {
			Result struct {
				OrderId string `json:"orderId"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return retry.Permanent(err)
		}
		orderID = resp.Result.OrderId
		return nil
	}, retry.AggressiveConfig())
	if err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		OrderIDStr:   orderID,
		Symbol:       symbol,
		Side:         side,
		Status:       models.OrderFilled,
		RequestedQty: qty,
		TimestampMs:  time.Now().UnixMilli(),
	}

	filled, avg, err := b.queryFill(ctx, symbol, orderID)
	if err == nil {
		order.FilledQuantity = filled
		order.AveragePrice = avg
	}
	return order, nil
}

// queryFill retries the fill-detail query with exponential backoff (spec
// section 4.6's fill-reconciliation rule), returning an error only after
// every attempt fails so callers fall back to the requested quantity.
func (b *Bybit) queryFill(ctx context.Context, symbol models.Symbol, orderID string) (filled, avgPrice float64, err error) {
	params := map[string]string{"category": "linear", "symbol": b.bybitSymbol(symbol), "orderId": orderID}
	cfg := retry.Config{MaxRetries: 5, InitialDelay: 300 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}

	type result struct{ filled, avg float64 }
	r, rerr := retry.DoWithResult(ctx, func() (result, error) {
		body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
		if err != nil {
			return result{}, err
		}
		var resp struct {
			Result struct {
				List []struct {
					CumExecQty string `json:"cumExecQty"`
					AvgPrice   string `json:"avgPrice"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return result{}, retry.Permanent(err)
		}
		if len(resp.Result.List) == 0 {
			return result{}, fmt.Errorf("order %s not found", orderID)
		}
		f, _ := strconv.ParseFloat(resp.Result.List[0].CumExecQty, 64)
		a, _ := strconv.ParseFloat(resp.Result.List[0].AvgPrice, 64)
		return result{f, a}, nil
	}, cfg)
	if rerr != nil {
		return 0, 0, rerr
	}
	return r.filled, r.avg, nil
}

// OpenShort normalizes qty to the venue's lot size before submitting a
// short market order.
func (b *Bybit) OpenShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	ls, ok := b.LotSize(symbol)
	if !ok {
		return models.Order{}, fmt.Errorf("no lot size cached for %s; call AvailableSymbols first", symbol)
	}
	normalized, okNotional := ls.Normalize(qty, 0)
	if !okNotional {
		return models.Order{}, &CapabilityError{Venue: "bybit", Status: models.OrderRejected, Message: "below minimum notional"}
	}
	return b.placeMarketOrder(ctx, symbol, models.SideSell, normalized)
}

// CloseShort covers qty via a market buy, normalized the same way.
func (b *Bybit) CloseShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	ls, ok := b.LotSize(symbol)
	if ok {
		if normalized, okNotional := ls.Normalize(qty, 0); okNotional {
			qty = normalized
		}
	}
	return b.placeMarketOrder(ctx, symbol, models.SideBuy, qty)
}

func (b *Bybit) SetLeverage(ctx context.Context, symbol models.Symbol, leverage int) error {
	params := map[string]string{
		"category":     "linear",
		"symbol":       b.bybitSymbol(symbol),
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", params, true)
	if err != nil {
		if capErr, ok := err.(*CapabilityError); ok && strings.Contains(capErr.Message, "leverage not modified") {
			return nil
		}
		return err
	}
	return nil
}

func (b *Bybit) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	params := map[string]string{"category": "linear", "settleCoin": "USDT"}
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Side        string `json:"side"`
				Size        string `json:"size"`
				AvgPrice    string `json:"avgPrice"`
				UpdatedTime string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := make([]PositionSnapshot, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		updated, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)
		side := models.SideBuy
		if p.Side == "Sell" {
			side = models.SideSell
		}
		base := strings.TrimSuffix(p.Symbol, "USDT")
		out = append(out, PositionSnapshot{
			Symbol:     models.NewSymbol(base, "USDT"),
			Side:       side,
			Quantity:   size,
			EntryPrice: entry,
			UpdatedAt:  time.UnixMilli(updated),
		})
	}
	return out, nil
}

// SubscribeTicker opens the public websocket stream (with the teacher's
// auto-reconnect/resubscribe manager) and delivers bid/ask/last updates as
// models.Quote values via onTicker.
func (b *Bybit) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	b.callbackMu.Lock()
	b.tickerCallback = onTicker
	b.callbackMu.Unlock()

	if b.wsPublicManager == nil {
		config := DefaultWSReconnectConfig()
		b.wsPublicManager = NewWSReconnectManager("bybit-public", bybitWSPublic, config, b.log)
		b.wsPublicManager.SetOnMessage(b.handlePublicMessage)
		b.wsPublicManager.SetOnConnect(func() {
			metrics.SetExchangeConnected("bybit", true)
		})
		b.wsPublicManager.SetOnDisconnect(func(err error) {
			metrics.SetExchangeConnected("bybit", false)
		})
		if err := b.wsPublicManager.Connect(); err != nil {
			return fmt.Errorf("connect bybit websocket: %w", err)
		}
	}

	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, "tickers."+b.bybitSymbol(sym))
	}
	subMsg := map[string]interface{}{"op": "subscribe", "args": args}
	b.wsPublicManager.AddSubscription(subMsg)
	return b.wsPublicManager.Send(subMsg)
}

func (b *Bybit) handlePublicMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol          string `json:"symbol"`
			Bid1Price       string `json:"bid1Price"`
			Ask1Price       string `json:"ask1Price"`
			LastPrice       string `json:"lastPrice"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	b.callbackMu.RLock()
	cb := b.tickerCallback
	b.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	base := strings.TrimSuffix(msg.Data.Symbol, "USDT")
	sym := models.NewSymbol(base, "USDT")
	bid, _ := strconv.ParseFloat(msg.Data.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(msg.Data.Ask1Price, 64)
	last, _ := strconv.ParseFloat(msg.Data.LastPrice, 64)
	// fundingRate/nextFundingTime are only present on a snapshot push or
	// when they change on a delta; fall back to the last value cached at
	// AvailableSymbols time so every tick still carries a funding interval
	// for fundingQualifies (spec 4.5) to compare against.
	fundingRate, _ := strconv.ParseFloat(msg.Data.FundingRate, 64)
	nextFundingMs, _ := strconv.ParseInt(msg.Data.NextFundingTime, 10, 64)
	intervalHours, _ := b.FundingIntervalHours(sym)
	cb(models.Quote{
		Symbol:          sym,
		Bid:             bid,
		Ask:             ask,
		Last:            last,
		FundingRate:     fundingRate,
		FundingInterval: intervalHours,
		NextFundingMs:   nextFundingMs,
		TimestampMs:     time.Now().UnixMilli(),
		Valid:           true,
	})
}

func (b *Bybit) Close() error {
	select {
	case <-b.closeChan:
	default:
		close(b.closeChan)
	}
	if b.wsPublicManager != nil {
		b.wsPublicManager.Close()
		b.wsPublicManager = nil
	}
	if b.wsPrivateManager != nil {
		b.wsPrivateManager.Close()
		b.wsPrivateManager = nil
	}
	b.connected = false
	return nil
}
