// Package execution implements the Execution Controller (spec section 4.6):
// the adaptive per-slice loop that opens and closes a hedged position in
// fixed-size pieces, hedge-first on both legs, with fill reconciliation and
// rollback. Grounded on the teacher's per-pair goroutine shape in
// internal/bot/engine.go (one loop per active arbitrage, driven by a ticker
// plus a shutdown channel) and on pkg/retry for every retried REST call.
package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/exchange"
	"kimpbot/internal/metrics"
	"kimpbot/internal/models"
	"kimpbot/internal/notify"
	"kimpbot/internal/persistence"
	"kimpbot/internal/position"
	"kimpbot/internal/premium"
	"kimpbot/pkg/retry"
)

// Config bundles the tunables the controller's slicing decisions depend on
// (spec section 6's "trading" block).
type Config struct {
	SliceUSD             float64
	SliceInterval         time.Duration
	SmallCloseThresholdUSD float64

	EntryThreshold float64
	DynamicSpread  float64
	ExitFloor      float64

	KoreanSellRetries   int
	KoreanSellRetryBase time.Duration
}

// DefaultConfig mirrors the origin's defaults.
func DefaultConfig() Config {
	return Config{
		SliceUSD:               100,
		SliceInterval:          1 * time.Second,
		SmallCloseThresholdUSD: 50,
		EntryThreshold:         -0.99,
		DynamicSpread:          0.79,
		ExitFloor:              0.10,
		KoreanSellRetries:   5,
		KoreanSellRetryBase: 300 * time.Millisecond,
	}
}

// QuoteSource is the subset of the Quote Cache the controller needs to read
// fresh prices between slices, kept as a narrow interface so this package
// does not import internal/cache for its concrete type.
type QuoteSource interface {
	Get(ex models.Exchange, sym models.Symbol) models.Quote
	GetUsdtRate(ex models.Exchange) float64
}

// UpdateWaiter is the engine's wait_for_update primitive (spec section 5,
// "inter-thread signalling"): the controller blocks on it between decision
// iterations instead of polling.
type UpdateWaiter interface {
	WaitForUpdate(lastSeen uint64, timeout time.Duration) uint64
	CurrentUpdateSeq() uint64
}

// Result describes how an execution loop ended.
type Result struct {
	Closed         bool
	RealizedPnlKRW float64
	Partial        models.Position
}

// Controller runs one symbol's adaptive split loop at a time; a fresh
// Controller is constructed per active symbol; the orchestrator
// (internal/engine) owns one goroutine per open loop (spec section 5).
type Controller struct {
	cfg Config

	quotes  QuoteSource
	waiter  UpdateWaiter
	tracker *position.Tracker

	korean  exchange.KoreanSpot
	foreign exchange.ForeignPerp

	store *persistence.Store
	audit *AuditLog

	blacklist map[models.Symbol]models.BlacklistEntry

	shutdown *ShutdownFlag

	notify *notify.Bus

	log *zap.Logger
}

// New builds a Controller for one symbol's Korean/foreign venue pair. notify
// may be nil; a nil bus silently drops every Emit (see notify.Bus.Emit).
func New(cfg Config, quotes QuoteSource, waiter UpdateWaiter, tracker *position.Tracker, korean exchange.KoreanSpot, foreign exchange.ForeignPerp, store *persistence.Store, audit *AuditLog, blacklist map[models.Symbol]models.BlacklistEntry, shutdown *ShutdownFlag, notifyBus *notify.Bus, log *zap.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		quotes:    quotes,
		waiter:    waiter,
		tracker:   tracker,
		korean:    korean,
		foreign:   foreign,
		store:     store,
		audit:     audit,
		blacklist: blacklist,
		shutdown:  shutdown,
		notify:    notifyBus,
		log:       log,
	}
}

// RunEntry drives the adaptive split loop starting from a fresh entry signal
// (spec section 4.6's main decision procedure, entry-to-exit in one loop).
// sym's koreanEx/foreignEx pin the venue pair for the life of this loop.
func (c *Controller) RunEntry(ctx context.Context, sym models.Symbol, koreanEx, foreignEx models.Exchange, targetUSD float64) Result {
	if entry, blacklisted := c.blacklist[sym]; blacklisted {
		c.log.Warn("symbol is blacklisted, refusing to open", zap.String("symbol", sym.String()), zap.String("reason", entry.Reason))
		return Result{}
	}

	pos := models.Position{
		Symbol:          sym,
		KoreanExchange:  koreanEx,
		ForeignExchange: foreignEx,
		PositionSizeUSD: targetUSD,
		IsActive:        true,
	}

	var totalKoreanCost, totalForeignValue float64
	lastSeen := c.waiter.CurrentUpdateSeq()

	for {
		if c.shutdown.Load() {
			return Result{Partial: pos}
		}

		korean := c.quotes.Get(koreanEx, sym)
		foreign := c.quotes.Get(foreignEx, sym)
		usdtRate := c.quotes.GetUsdtRate(koreanEx)

		entryPremium := premium.EntryPremium(korean.Ask, foreign.Bid, usdtRate)
		exitPremium := premium.ExitPremium(korean.Bid, foreign.Ask, usdtRate)
		dynThreshold := premium.DynamicExitThreshold(pos.EntryPremium, c.cfg.DynamicSpread, c.cfg.ExitFloor)

		heldUSD := pos.ForeignAmount * foreign.Bid

		switch {
		case entryPremium <= c.cfg.EntryThreshold && heldUSD < targetUSD:
			filled, ok := c.entrySlice(ctx, sym, koreanEx, foreignEx, korean, foreign, usdtRate, entryPremium, targetUSD-heldUSD, &pos, &totalKoreanCost, &totalForeignValue)
			if !filled {
				if ok {
					// rejected and retried already inside entrySlice; loop again after interval.
					c.waitSliceInterval(ctx)
				}
				continue
			}
			if pos.ForeignAmount*foreign.Bid >= targetUSD {
				c.notify.Emit(models.Notification{
					Timestamp: time.Now(), Type: models.NotificationEntryDone, Severity: models.SeverityInfo, Symbol: sym.String(),
					Message: fmt.Sprintf("entry complete at %.2f%% premium", entryPremium),
				})
			}
			// heldUSD reaching targetUSD falls through to the next iteration,
			// where the entry case's heldUSD<targetUSD guard now fails and the
			// exit case below takes over — the same loop that built the
			// position is the one that watches it for the exit premium.
		case pos.ForeignAmount > 0 && exitPremium >= dynThreshold:
			closed, result := c.exitSlice(ctx, sym, koreanEx, foreignEx, korean, foreign, usdtRate, &pos, &totalKoreanCost, &totalForeignValue)
			if closed {
				return result
			}
		default:
			lastSeen = c.waiter.WaitForUpdate(lastSeen, c.cfg.SliceInterval)
		}
	}
}

// RunExitOnly drives an exit-only loop for a position recovered from a
// startup snapshot (spec section 4.7): the bot finishes closing what it had
// open without ever considering a new entry.
func (c *Controller) RunExitOnly(ctx context.Context, pos models.Position) Result {
	var totalKoreanCost, totalForeignValue float64
	totalKoreanCost = pos.KoreanAmount * pos.KoreanEntryPrice
	totalForeignValue = pos.ForeignAmount * pos.ForeignEntryPrice

	lastSeen := c.waiter.CurrentUpdateSeq()
	for {
		if c.shutdown.Load() {
			return Result{Partial: pos}
		}
		if pos.ForeignAmount <= 0 {
			return Result{Closed: true, RealizedPnlKRW: pos.RealizedPnlKRW}
		}

		korean := c.quotes.Get(pos.KoreanExchange, pos.Symbol)
		foreign := c.quotes.Get(pos.ForeignExchange, pos.Symbol)
		usdtRate := c.quotes.GetUsdtRate(pos.KoreanExchange)

		exitPremium := premium.ExitPremium(korean.Bid, foreign.Ask, usdtRate)
		dynThreshold := premium.DynamicExitThreshold(pos.EntryPremium, c.cfg.DynamicSpread, c.cfg.ExitFloor)

		if exitPremium >= dynThreshold {
			closed, result := c.exitSlice(ctx, pos.Symbol, pos.KoreanExchange, pos.ForeignExchange, korean, foreign, usdtRate, &pos, &totalKoreanCost, &totalForeignValue)
			if closed {
				return result
			}
			continue
		}
		lastSeen = c.waiter.WaitForUpdate(lastSeen, c.cfg.SliceInterval)
	}
}

func (c *Controller) waitSliceInterval(ctx context.Context) {
	select {
	case <-time.After(c.cfg.SliceInterval):
	case <-ctx.Done():
	}
}

// entrySlice implements spec 4.6's hedge-first entry-slice procedure. Returns
// (filled, attempted): filled is true only if both legs completed and the
// position/sums were updated.
func (c *Controller) entrySlice(ctx context.Context, sym models.Symbol, koreanEx, foreignEx models.Exchange, korean, foreign models.Quote, usdtRate, entryPremium, remainingUSD float64, pos *models.Position, totalKoreanCost, totalForeignValue *float64) (filled bool, attempted bool) {
	start := time.Now()
	defer func() {
		metrics.SliceExecutionLatency.WithLabelValues(sym.String(), "entry").Observe(float64(time.Since(start).Milliseconds()))
	}()

	sliceUSD := c.cfg.SliceUSD
	if sliceUSD > remainingUSD {
		sliceUSD = remainingUSD
	}
	sliceCoin := sliceUSD / foreign.Bid

	shortOrder, err := c.foreign.OpenShort(ctx, sym, sliceCoin)
	if err != nil {
		c.log.Warn("entry short rejected, will retry next iteration", zap.String("symbol", sym.String()), zap.Error(err))
		metrics.SlicesTotal.WithLabelValues(sym.String(), "entry", "rejected").Inc()
		return false, true
	}

	actualFilled := c.reconcileFill(ctx, shortOrder)
	if actualFilled <= 0 {
		c.log.Error("entry short returned zero reconciled fill", zap.String("symbol", sym.String()))
		metrics.SlicesTotal.WithLabelValues(sym.String(), "entry", "rejected").Inc()
		return false, true
	}

	koreanNotional := actualFilled * korean.Ask
	if minKRW := c.korean.MinOrderKRW(); minKRW > 0 && koreanNotional < minKRW {
		c.log.Warn("slice below minimum notional, rolling back short", zap.String("symbol", sym.String()), zap.Float64("notional_krw", koreanNotional))
		c.rollbackShort(ctx, sym, actualFilled)
		metrics.SlicesTotal.WithLabelValues(sym.String(), "entry", "rolled_back").Inc()
		c.notify.Emit(models.Notification{
			Timestamp: time.Now(), Type: models.NotificationRollback, Severity: models.SeverityWarn, Symbol: sym.String(),
			Message: "entry slice below minimum notional, short rolled back",
		})
		return false, true
	}

	buyOrder, err := c.korean.PlaceMarketBuyQuantity(ctx, sym, actualFilled)
	if err != nil || buyOrder.Status == models.OrderRejected {
		c.log.Error("korean buy leg failed, covering short to restore flat", zap.String("symbol", sym.String()), zap.Error(err))
		c.rollbackShort(ctx, sym, actualFilled)
		metrics.SlicesTotal.WithLabelValues(sym.String(), "entry", "rolled_back").Inc()
		c.notify.Emit(models.Notification{
			Timestamp: time.Now(), Type: models.NotificationRollback, Severity: models.SeverityError, Symbol: sym.String(),
			Message: "korean buy leg failed, short rolled back",
		})
		return false, true
	}

	koreanFilled := buyOrder.ReconciledQuantity()
	koreanCost := koreanFilled * korean.Ask
	foreignValue := actualFilled * foreign.Bid

	*totalKoreanCost += koreanCost
	*totalForeignValue += foreignValue

	if pos.ForeignAmount == 0 {
		pos.EntryTimeMs = time.Now().UnixMilli()
		pos.EntryPremium = entryPremium
	}
	pos.KoreanAmount += koreanFilled
	pos.ForeignAmount += actualFilled
	if pos.KoreanAmount > 0 {
		pos.KoreanEntryPrice = *totalKoreanCost / pos.KoreanAmount
	}
	if pos.ForeignAmount > 0 {
		pos.ForeignEntryPrice = *totalForeignValue / pos.ForeignAmount
	}

	if err := c.audit.WriteEntrySplit(EntrySplitRow{
		TimestampMs:  time.Now().UnixMilli(),
		Symbol:       sym.String(),
		Quantity:     actualFilled,
		KoreanPrice:  korean.Ask,
		ForeignPrice: foreign.Bid,
		UsdtRate:     usdtRate,
		Premium:      entryPremium,
	}); err != nil {
		c.log.Error("failed to append entry audit row", zap.Error(err))
	}

	if err := c.store.Save(*pos); err != nil {
		c.log.Error("failed to persist position snapshot", zap.Error(err))
	}

	if pos.KoreanAmount == koreanFilled {
		metrics.ActivePositions.Inc()
	}
	metrics.SlicesTotal.WithLabelValues(sym.String(), "entry", "filled").Inc()
	return true, true
}

// exitSlice implements spec 4.6's hedge-first exit-slice procedure. Returns
// closed=true once held_amount reaches zero, along with the final Result.
func (c *Controller) exitSlice(ctx context.Context, sym models.Symbol, koreanEx, foreignEx models.Exchange, korean, foreign models.Quote, usdtRate float64, pos *models.Position, totalKoreanCost, totalForeignValue *float64) (closed bool, result Result) {
	start := time.Now()
	defer func() {
		metrics.SliceExecutionLatency.WithLabelValues(sym.String(), "exit").Observe(float64(time.Since(start).Milliseconds()))
	}()

	remainingUSD := pos.ForeignAmount * foreign.Ask

	var sliceCoin float64
	if remainingUSD <= c.cfg.SmallCloseThresholdUSD {
		sliceCoin = pos.ForeignAmount
	} else {
		sliceCoin = c.cfg.SliceUSD / foreign.Ask
		if sliceCoin > pos.ForeignAmount {
			sliceCoin = pos.ForeignAmount
		}
	}

	coverOrder, err := c.foreign.CloseShort(ctx, sym, sliceCoin)
	if err != nil {
		c.log.Warn("exit cover rejected, will retry next iteration", zap.String("symbol", sym.String()), zap.Error(err))
		metrics.SlicesTotal.WithLabelValues(sym.String(), "exit", "rejected").Inc()
		c.waitSliceInterval(ctx)
		return false, Result{}
	}

	actualCovered := c.reconcileFill(ctx, coverOrder)
	if actualCovered <= 0 {
		c.log.Error("exit cover returned zero reconciled fill", zap.String("symbol", sym.String()))
		metrics.SlicesTotal.WithLabelValues(sym.String(), "exit", "rejected").Inc()
		return false, Result{}
	}

	sellOrder, sellErr := c.sellKoreanWithRetry(ctx, sym, actualCovered)
	if sellErr != nil {
		c.log.Error("korean sell leg exhausted retries, continuing unhedged",
			zap.String("symbol", sym.String()), zap.Float64("unhedged_qty", actualCovered), zap.Error(sellErr))
		// Matches the origin: no synthetic recovery, log and continue holding
		// the now-unhedged remainder on the next iteration's quotes.
		metrics.RecordUnhedgedEvent(sym.String())
		c.notify.Emit(models.Notification{
			Timestamp: time.Now(), Type: models.NotificationUnhedged, Severity: models.SeverityCritical, Symbol: sym.String(),
			Message: "korean sell leg exhausted retries, position left unhedged",
			Meta:     map[string]interface{}{"unhedged_qty": actualCovered},
		})
		return false, Result{}
	}
	sellPrice := korean.Bid
	if sellOrder.AveragePrice > 0 {
		sellPrice = sellOrder.AveragePrice
	}

	koreanPnlKRW := (sellPrice - pos.KoreanEntryPrice) * actualCovered
	foreignPnlUSD := (pos.ForeignEntryPrice - foreign.Ask) * actualCovered
	slicePnlKRW := koreanPnlKRW + foreignPnlUSD*usdtRate
	pos.RealizedPnlKRW += slicePnlKRW

	if pos.ForeignAmount > 0 {
		scale := 1 - actualCovered/pos.ForeignAmount
		if scale < 0 {
			scale = 0
		}
		*totalKoreanCost *= scale
		*totalForeignValue *= scale
	}
	pos.KoreanAmount -= actualCovered
	pos.ForeignAmount -= actualCovered
	if pos.KoreanAmount < 0 {
		pos.KoreanAmount = 0
	}
	if pos.ForeignAmount < 0 {
		pos.ForeignAmount = 0
	}

	if err := c.audit.WriteExitSplit(ExitSplitRow{
		TimestampMs:  time.Now().UnixMilli(),
		Symbol:       sym.String(),
		Quantity:     actualCovered,
		KoreanPrice:  sellPrice,
		ForeignPrice: foreign.Ask,
		UsdtRate:     usdtRate,
		PnlKRW:       slicePnlKRW,
	}); err != nil {
		c.log.Error("failed to append exit audit row", zap.Error(err))
	}

	if pos.ForeignAmount <= 0 {
		if err := c.store.Delete(); err != nil {
			c.log.Error("failed to delete position snapshot on close", zap.Error(err))
		}
		metrics.SlicesTotal.WithLabelValues(sym.String(), "exit", "filled").Inc()
		metrics.RealizedPnlTotalKRW.Add(slicePnlKRW)
		metrics.ActivePositions.Dec()
		c.notify.Emit(models.Notification{
			Timestamp: time.Now(), Type: models.NotificationExitDone, Severity: models.SeverityInfo, Symbol: sym.String(),
			Message: "position closed",
			Meta:     map[string]interface{}{"realized_pnl_krw": pos.RealizedPnlKRW},
		})
		return true, Result{Closed: true, RealizedPnlKRW: pos.RealizedPnlKRW}
	}

	if err := c.store.Save(*pos); err != nil {
		c.log.Error("failed to persist position snapshot", zap.Error(err))
	}
	metrics.SlicesTotal.WithLabelValues(sym.String(), "exit", "filled").Inc()
	metrics.RealizedPnlTotalKRW.Add(slicePnlKRW)
	return false, Result{}
}

// sellKoreanWithRetry retries the Korean sell leg up to KoreanSellRetries
// times with linearly increasing backoff (spec 4.6 step 4 of exit slice).
func (c *Controller) sellKoreanWithRetry(ctx context.Context, sym models.Symbol, qty float64) (models.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.KoreanSellRetries; attempt++ {
		order, err := c.korean.PlaceMarketSell(ctx, sym, qty)
		if err == nil && order.Status != models.OrderRejected {
			return order, nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("korean sell rejected (status %s)", order.Status)
		}
		if attempt < c.cfg.KoreanSellRetries {
			select {
			case <-time.After(c.cfg.KoreanSellRetryBase * time.Duration(attempt)):
			case <-ctx.Done():
				return models.Order{}, ctx.Err()
			}
		}
	}
	return models.Order{}, lastErr
}

// reconcileFill applies the fill-reconciliation rule (spec 4.6): the
// adapter's place/open/close call has already retried its own fill-status
// query (spec section 4.8; see the queryFill/follow-up-detail-query methods
// in internal/exchange's adapters), so by the time an Order reaches this
// controller, filled_quantity is the adapter's best-effort reconciliation.
// The remaining fallback — requested quantity wins when filled_quantity is
// still non-positive — is exactly models.Order.ReconciledQuantity.
func (c *Controller) reconcileFill(ctx context.Context, order models.Order) float64 {
	return order.ReconciledQuantity()
}

// rollbackShort covers a just-opened short to restore flat exposure when the
// Korean-side leg of an entry slice cannot be completed (spec 4.6 step 4/6).
func (c *Controller) rollbackShort(ctx context.Context, sym models.Symbol, qty float64) {
	if err := retry.Do(ctx, func() error {
		_, err := c.foreign.CloseShort(ctx, sym, qty)
		return err
	}, retry.AggressiveConfig()); err != nil {
		c.log.Error("rollback cover failed, position left unhedged", zap.String("symbol", sym.String()), zap.Float64("qty", qty), zap.Error(err))
	}
}

// ShutdownFlag is a tiny boolean the orchestrator flips on SIGINT/SIGTERM and
// every execution loop polls once per iteration (spec section 5,
// "cancellation and timeouts").
type ShutdownFlag struct {
	v atomic.Bool
}

// NewAtomicFlag builds a shutdown flag shared across every execution loop.
func NewAtomicFlag() *ShutdownFlag { return &ShutdownFlag{} }

func (f *ShutdownFlag) Set() {
	f.v.Store(true)
}

func (f *ShutdownFlag) Load() bool {
	return f.v.Load()
}
