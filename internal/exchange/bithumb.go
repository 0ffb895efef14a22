package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/metrics"
	"kimpbot/internal/models"
	"kimpbot/pkg/ratelimit"
)

const (
	bithumbBaseURL = "https://api.bithumb.com"
	bithumbWSURL   = "wss://pubwss.bithumb.com/pub/ws"
)

// Bithumb implements KoreanSpot. Grounded on original_source's
// exchange/bithumb.cpp: Api-Key/Api-Sign/Api-Nonce headers over an
// HMAC-SHA512 signature of "endpoint\x00params\x00timestamp", market-buy
// submitted in KRW units via /trade/market_buy, and the "BASE_QUOTE" ticker
// channel format. Go shape follows Upbit in this package.
type Bithumb struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter

	wsManager *WSReconnectManager
	wsMu      sync.Mutex

	callbackMu     sync.RWMutex
	tickerCallback func(models.Quote)

	connected bool

	log *zap.Logger
}

func NewBithumb(apiKey, secretKey string, log *zap.Logger) *Bithumb {
	return &Bithumb{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(8, 16),
		log:        log,
	}
}

func (b *Bithumb) Name() string { return "bithumb" }

// MinOrderKRW is Bithumb's minimum market order amount.
func (b *Bithumb) MinOrderKRW() float64 { return 500 }

func (b *Bithumb) buildAuthHeaders(endpoint, params string) map[string]string {
	timestamp := time.Now().UnixMilli()
	message := endpoint + "\x00" + params + "\x00" + strconv.FormatInt(timestamp, 10)

	h := hmac.New(sha512.New, []byte(b.secretKey))
	h.Write([]byte(message))
	sigHex := hex.EncodeToString(h.Sum(nil))
	sigB64 := base64.StdEncoding.EncodeToString([]byte(sigHex))

	return map[string]string{
		"Api-Key":   b.apiKey,
		"Api-Sign":  sigB64,
		"Api-Nonce": strconv.FormatInt(timestamp, 10),
	}
}

func (b *Bithumb) doPublic(ctx context.Context, endpoint string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bithumbBaseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *Bithumb) doSigned(ctx context.Context, endpoint, params string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	headers := b.buildAuthHeaders(endpoint, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bithumbBaseURL+endpoint, strings.NewReader(params))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *Bithumb) Connect(ctx context.Context) error {
	if b.connected {
		return nil
	}
	if _, err := b.Balance(ctx, "KRW"); err != nil {
		return fmt.Errorf("connect to bithumb: %w", err)
	}
	b.connected = true
	return nil
}

func (b *Bithumb) Disconnect() error { return b.Close() }

func (b *Bithumb) Balance(ctx context.Context, currency string) (float64, error) {
	params := "currency=" + currency
	body, err := b.doSigned(ctx, "/info/balance", params)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Status string                 `json:"status"`
		Data   map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if resp.Status != "0000" {
		return 0, &CapabilityError{Venue: "bithumb", Status: models.OrderRejected, Message: "balance query failed: " + resp.Status}
	}
	field := "available_" + strings.ToLower(currency)
	if v, ok := resp.Data[field]; ok {
		if s, ok := v.(string); ok {
			f, _ := strconv.ParseFloat(s, 64)
			return f, nil
		}
	}
	return 0, nil
}

func (b *Bithumb) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) {
	body, err := b.doPublic(ctx, "/public/ticker/ALL_KRW")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Symbol, 0, len(resp.Data))
	for base := range resp.Data {
		if base == "date" {
			continue
		}
		out = append(out, models.NewSymbol(base, "KRW"))
	}
	return out, nil
}

func (b *Bithumb) USDTKRWPrice(ctx context.Context) (float64, error) {
	body, err := b.doPublic(ctx, "/public/ticker/USDT_KRW")
	if err != nil {
		return 0, err
	}
	var resp struct {
		Data struct {
			ClosingPrice string `json:"closing_price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(resp.Data.ClosingPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parse USDT/KRW price: %w", err)
	}
	return price, nil
}

func (b *Bithumb) marketOrder(ctx context.Context, symbol models.Symbol, side models.Side, units string) (map[string]interface{}, error) {
	endpoint := "/trade/market_buy"
	if side == models.SideSell {
		endpoint = "/trade/market_sell"
	}
	params := fmt.Sprintf("order_currency=%s&payment_currency=KRW&units=%s", symbol.Base, units)

	body, err := b.doSigned(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PlaceMarketBuyCost submits a market buy for krw notional worth of symbol.
// Bithumb's market-buy endpoint takes the KRW amount directly in "units"
// (original_source's place_market_buy_cost forwards cost unchanged).
func (b *Bithumb) PlaceMarketBuyCost(ctx context.Context, symbol models.Symbol, krw float64) (models.Order, error) {
	resp, err := b.marketOrder(ctx, symbol, models.SideBuy, strconv.FormatFloat(krw, 'f', 0, 64))
	return b.toOrder(symbol, models.SideBuy, krw, resp, err)
}

func (b *Bithumb) PlaceMarketBuyQuantity(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	resp, err := b.marketOrder(ctx, symbol, models.SideBuy, strconv.FormatFloat(qty, 'f', 8, 64))
	return b.toOrder(symbol, models.SideBuy, qty, resp, err)
}

func (b *Bithumb) PlaceMarketSell(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	resp, err := b.marketOrder(ctx, symbol, models.SideSell, strconv.FormatFloat(qty, 'f', 8, 64))
	return b.toOrder(symbol, models.SideSell, qty, resp, err)
}

func (b *Bithumb) toOrder(symbol models.Symbol, side models.Side, requested float64, resp map[string]interface{}, err error) (models.Order, error) {
	order := models.Order{
		Symbol:       symbol,
		Side:         side,
		RequestedQty: requested,
		TimestampMs:  time.Now().UnixMilli(),
	}
	if err != nil {
		order.Status = models.OrderRejected
		return order, err
	}
	status, _ := resp["status"].(string)
	if status != "0000" {
		order.Status = models.OrderRejected
		return order, &CapabilityError{Venue: "bithumb", Status: models.OrderRejected, Message: "order rejected: status " + status}
	}
	if oid, ok := resp["order_id"].(string); ok {
		order.OrderIDStr = oid
	}
	// Bithumb's market-order endpoint fills synchronously with no follow-up
	// detail query for units actually executed; the requested quantity is
	// authoritative per the fill-reconciliation rule.
	order.Status = models.OrderFilled
	order.FilledQuantity = requested
	return order, nil
}

func (b *Bithumb) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	b.callbackMu.Lock()
	b.tickerCallback = onTicker
	b.callbackMu.Unlock()

	b.wsMu.Lock()
	if b.wsManager == nil {
		config := DefaultWSReconnectConfig()
		b.wsManager = NewWSReconnectManager("bithumb", bithumbWSURL, config, b.log)
		b.wsManager.SetOnMessage(b.handleMessage)
		b.wsManager.SetOnConnect(func() {
			metrics.SetExchangeConnected("bithumb", true)
		})
		b.wsManager.SetOnDisconnect(func(err error) {
			metrics.SetExchangeConnected("bithumb", false)
		})
		if err := b.wsManager.Connect(); err != nil {
			b.wsMu.Unlock()
			return fmt.Errorf("connect bithumb websocket: %w", err)
		}
	}
	wsManager := b.wsManager
	b.wsMu.Unlock()

	codes := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		codes = append(codes, sym.Base+"_"+sym.Quote)
	}
	subMsg := map[string]interface{}{
		"type":     "ticker",
		"symbols":  codes,
		"tickTypes": []string{"MID"},
	}
	wsManager.AddSubscription(subMsg)
	return wsManager.Send(subMsg)
}

func (b *Bithumb) handleMessage(message []byte) {
	var msg struct {
		Type    string `json:"type"`
		Content struct {
			Symbol     string `json:"symbol"`
			ClosePrice string `json:"closePrice"`
		} `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Type != "ticker" {
		return
	}
	parts := strings.SplitN(msg.Content.Symbol, "_", 2)
	if len(parts) != 2 {
		return
	}
	last, err := strconv.ParseFloat(msg.Content.ClosePrice, 64)
	if err != nil {
		return
	}

	b.callbackMu.RLock()
	cb := b.tickerCallback
	b.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	// Bithumb's ticker stream reports only a close price, no live bid/ask;
	// last is used for all three sides, same degraded-quote shape as Upbit.
	cb(models.Quote{
		Symbol:      models.NewSymbol(parts[0], parts[1]),
		Bid:         last,
		Ask:         last,
		Last:        last,
		TimestampMs: time.Now().UnixMilli(),
		Valid:       true,
	})
}

func (b *Bithumb) Close() error {
	if b.wsManager != nil {
		b.wsManager.Close()
		b.wsManager = nil
	}
	b.connected = false
	return nil
}
