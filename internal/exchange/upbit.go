package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
)

const (
	upbitBaseURL = "https://api.upbit.com"
	upbitWSURL   = "wss://api.upbit.com/websocket/v1"
)

// Upbit implements KoreanSpot. Grounded on original_source's
// exchange/upbit.cpp for the venue's conventions (market codes like
// "KRW-BTC", `ord_type":"price"` for a market buy by KRW notional, JWT
// bearer auth over HMAC-SHA256) and on the teacher's Bybit/Gate adapters in
// this package for the surrounding Go shape (doRequest envelope,
// WSReconnectManager wiring, rate limiting).
type Upbit struct {
	accessKey string
	secretKey string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter

	wsManager *WSReconnectManager
	wsMu      sync.Mutex

	callbackMu     sync.RWMutex
	tickerCallback func(models.Quote)

	connected bool
	closeChan chan struct{}

	log *zap.Logger
}

func NewUpbit(accessKey, secretKey string, log *zap.Logger) *Upbit {
	return &Upbit{
		accessKey:  accessKey,
		secretKey:  secretKey,
		httpClient: GetGlobalHTTPClient().GetClient(),
		limiter:    ratelimit.NewRateLimiter(8, 16),
		closeChan:  make(chan struct{}),
		log:        log,
	}
}

func (u *Upbit) Name() string { return "upbit" }

// MinOrderKRW is Upbit's minimum market order amount.
func (u *Upbit) MinOrderKRW() float64 { return 5000 }

// jwtToken builds a minimal JWT (header.payload.signature, HS256) the way
// original_source's generate_jwt_token(_with_query) does, without pulling in
// a JWT library for two claims and one signature.
func (u *Upbit) jwtToken(queryString string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	nonce := fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().UnixNano()%997)
	var payloadJSON string
	if queryString != "" {
		hash := sha512.Sum512([]byte(queryString))
		queryHash := hex.EncodeToString(hash[:])
		payloadJSON = fmt.Sprintf(`{"access_key":"%s","nonce":"%s","query_hash":"%s","query_hash_alg":"SHA512"}`,
			u.accessKey, nonce, queryHash)
	} else {
		payloadJSON = fmt.Sprintf(`{"access_key":"%s","nonce":"%s"}`, u.accessKey, nonce)
	}
	payload := base64.RawURLEncoding.EncodeToString([]byte(payloadJSON))

	signingInput := header + "." + payload
	h := hmac.New(sha256.New, []byte(u.secretKey))
	h.Write([]byte(signingInput))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	return signingInput + "." + signature
}

func (u *Upbit) marketCode(sym models.Symbol) string {
	return "KRW-" + sym.Base
}

func (u *Upbit) fromMarketCode(market string) models.Symbol {
	base := strings.TrimPrefix(market, "KRW-")
	return models.NewSymbol(base, "KRW")
}

func (u *Upbit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqURL, queryString, bodyStr string
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	queryString = query.Encode()

	if method == http.MethodGet || method == http.MethodDelete {
		reqURL = upbitBaseURL + endpoint
		if queryString != "" {
			reqURL += "?" + queryString
		}
	} else {
		reqURL = upbitBaseURL + endpoint
		bodyStr = queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(bodyStr))
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("Authorization", "Bearer "+u.jwtToken(queryString))
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &CapabilityError{Venue: "upbit", Status: models.OrderRejected, Message: errResp.Error.Message}
		}
		return nil, fmt.Errorf("upbit API error: %s", string(body))
	}
	return body, nil
}

func (u *Upbit) Connect(ctx context.Context) error {
	if u.connected {
		return nil
	}
	if _, err := u.Balance(ctx, "KRW"); err != nil {
		return fmt.Errorf("connect to upbit: %w", err)
	}
	u.connected = true
	return nil
}

func (u *Upbit) Disconnect() error { return u.Close() }

func (u *Upbit) Balance(ctx context.Context, currency string) (float64, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/v1/accounts", nil, true)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	for _, acct := range resp {
		if acct.Currency == currency {
			v, _ := strconv.ParseFloat(acct.Balance, 64)
			return v, nil
		}
	}
	return 0, nil
}

func (u *Upbit) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/v1/market/all?isDetails=false", nil, false)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Symbol, 0, len(resp))
	for _, m := range resp {
		if !strings.HasPrefix(m.Market, "KRW-") {
			continue
		}
		out = append(out, u.fromMarketCode(m.Market))
	}
	return out, nil
}

// USDTKRWPrice fetches the won price of one USDT as a fallback when the
// streamed reference rate is absent (spec section 4.8).
func (u *Upbit) USDTKRWPrice(ctx context.Context) (float64, error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/v1/ticker?markets=KRW-USDT", nil, false)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, fmt.Errorf("no USDT/KRW ticker returned")
	}
	return resp[0].TradePrice, nil
}

// PlaceMarketBuyCost submits a market buy for krw notional worth of symbol,
// using Upbit's "price" order type (spec section 4.8's Korean buy-by-cost
// path; original_source's place_market_buy_cost).
func (u *Upbit) PlaceMarketBuyCost(ctx context.Context, symbol models.Symbol, krw float64) (models.Order, error) {
	params := map[string]string{
		"market":   u.marketCode(symbol),
		"side":     "bid",
		"ord_type": "price",
		"price":    strconv.FormatFloat(krw, 'f', 0, 64),
	}
	return u.placeAndReconcile(ctx, symbol, models.SideBuy, krw, params)
}

func (u *Upbit) PlaceMarketBuyQuantity(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	params := map[string]string{
		"market":   u.marketCode(symbol),
		"side":     "bid",
		"ord_type": "market",
		"volume":   strconv.FormatFloat(qty, 'f', -1, 64),
	}
	return u.placeAndReconcile(ctx, symbol, models.SideBuy, qty, params)
}

func (u *Upbit) PlaceMarketSell(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	params := map[string]string{
		"market":   u.marketCode(symbol),
		"side":     "ask",
		"ord_type": "market",
		"volume":   strconv.FormatFloat(qty, 'f', -1, 64),
	}
	return u.placeAndReconcile(ctx, symbol, models.SideSell, qty, params)
}

func (u *Upbit) placeAndReconcile(ctx context.Context, symbol models.Symbol, side models.Side, requested float64, params map[string]string) (models.Order, error) {
	body, err := u.doRequest(ctx, http.MethodPost, "/v1/orders", params, true)
	if err != nil {
		return models.Order{}, err
	}
	var resp struct {
		UUID            string `json:"uuid"`
		State           string `json:"state"`
		ExecutedVolume  string `json:"executed_volume"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Order{}, err
	}

	order := models.Order{
		OrderIDStr:   resp.UUID,
		Symbol:       symbol,
		Side:         side,
		Status:       models.OrderNew,
		RequestedQty: requested,
		TimestampMs:  time.Now().UnixMilli(),
	}

	filled, avgPrice, status, err := u.queryFill(ctx, resp.UUID)
	if err == nil {
		order.FilledQuantity = filled
		order.AveragePrice = avgPrice
		order.Status = status
	}
	return order, nil
}

// queryFill follows up on an order to reconcile its actual fill, since
// Upbit's order-create response does not itself carry the fill (spec
// section 4.8's "reconciled via follow-up detail query").
func (u *Upbit) queryFill(ctx context.Context, uuid string) (filled, avgPrice float64, status models.OrderStatus, err error) {
	body, err := u.doRequest(ctx, http.MethodGet, "/v1/order", map[string]string{"uuid": uuid}, true)
	if err != nil {
		return 0, 0, models.OrderNew, err
	}
	var resp struct {
		State          string `json:"state"`
		ExecutedVolume string `json:"executed_volume"`
		Trades         []struct {
			Price  string `json:"price"`
			Volume string `json:"volume"`
			Funds  string `json:"funds"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, models.OrderNew, err
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedVolume, 64)
	var totalFunds, totalVolume float64
	for _, t := range resp.Trades {
		f, _ := strconv.ParseFloat(t.Funds, 64)
		v, _ := strconv.ParseFloat(t.Volume, 64)
		totalFunds += f
		totalVolume += v
	}
	avg := 0.0
	if totalVolume > 0 {
		avg = totalFunds / totalVolume
	}

	st := models.OrderNew
	switch resp.State {
	case "done":
		st = models.OrderFilled
	case "cancel":
		st = models.OrderCancelled
	}
	return executed, avg, st, nil
}

func (u *Upbit) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	u.callbackMu.Lock()
	u.tickerCallback = onTicker
	u.callbackMu.Unlock()

	u.wsMu.Lock()
	if u.wsManager == nil {
		config := DefaultWSReconnectConfig()
		u.wsManager = NewWSReconnectManager("upbit", upbitWSURL, config, u.log)
		u.wsManager.SetOnMessage(u.handleMessage)
		u.wsManager.SetOnConnect(func() {
			metrics.SetExchangeConnected("upbit", true)
		})
		u.wsManager.SetOnDisconnect(func(err error) {
			metrics.SetExchangeConnected("upbit", false)
		})
		if err := u.wsManager.Connect(); err != nil {
			u.wsMu.Unlock()
			return fmt.Errorf("connect upbit websocket: %w", err)
		}
	}
	wsManager := u.wsManager
	u.wsMu.Unlock()

	codes := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		codes = append(codes, u.marketCode(sym))
	}
	subMsg := []interface{}{
		map[string]string{"ticket": fmt.Sprintf("kimpbot-%d", time.Now().UnixNano())},
		map[string]interface{}{"type": "ticker", "codes": codes},
		map[string]string{"format": "SIMPLE"},
	}
	wsManager.AddSubscription(subMsg)
	return wsManager.Send(subMsg)
}

func (u *Upbit) handleMessage(message []byte) {
	var msg struct {
		Cd string  `json:"cd"` // market code, SIMPLE format
		Tp float64 `json:"tp"` // trade price
		Bb float64 `json:"bb"` // best bid... not always present in SIMPLE ticker
		Ba float64 `json:"ba"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Cd == "" {
		return
	}

	u.callbackMu.RLock()
	cb := u.tickerCallback
	u.callbackMu.RUnlock()
	if cb == nil {
		return
	}

	// Upbit's ticker channel does not carry a live order-book best bid/ask;
	// lacking a quote spread, last trade price is used for all three sides,
	// matching AcceptDegraded's documented tolerance for a collapsed quote.
	cb(models.Quote{
		Symbol:      u.fromMarketCode(msg.Cd),
		Bid:         msg.Tp,
		Ask:         msg.Tp,
		Last:        msg.Tp,
		TimestampMs: time.Now().UnixMilli(),
		Valid:       true,
	})
}

func (u *Upbit) Close() error {
	select {
	case <-u.closeChan:
	default:
		close(u.closeChan)
	}
	if u.wsManager != nil {
		u.wsManager.Close()
		u.wsManager = nil
	}
	u.connected = false
	return nil
}
