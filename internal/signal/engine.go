// Package signal implements the Signal Engine (spec section 4.5): the fast
// path invoked synchronously on every ticker update, and a monitor loop that
// re-runs the same predicates on three independent cadences as a safety net
// for missed events. Grounded on the teacher's PriceTracker/SpreadCalculator
// split in internal/bot/spread.go — price updates flow through a narrow fast
// path, opportunity evaluation is a separate pass the teacher also runs both
// inline and on a ticking goroutine (its scanLoop).
package signal

import (
	"sync"
	"sync/atomic"
	"time"

	"kimpbot/internal/cache"
	"kimpbot/internal/metrics"
	"kimpbot/internal/models"
	"kimpbot/internal/position"
	"kimpbot/internal/premium"
	"kimpbot/internal/quality"
	"kimpbot/pkg/ringbuffer"
)

// ExchangePair names one tradable Korean-spot/foreign-perpetual venue
// combination the engine watches for a symbol.
type ExchangePair struct {
	Korean  models.Exchange
	Foreign models.Exchange
}

// Config bundles the tunables spec section 6's "trading" block exposes.
type Config struct {
	EntryThreshold  float64 // percent; entry fires when entry_premium <= this (negative)
	DynamicSpread   float64 // percent; added to a position's entry premium for its exit floor
	ExitFloor       float64 // percent; absolute floor for the exit threshold
	MaxPositions    int
	FundingInterval float64 // hours; a foreign symbol's funding interval must equal this
	RequirePositiveFunding bool
	AcceptDegraded  bool

	USDTRescanDebounce  time.Duration
	EntryBackupInterval time.Duration // default 1.5s
	ExitBackupInterval  time.Duration // default 250ms

	Thresholds quality.Thresholds

	SignalQueueCapacity int // rounded up to a power of two by ringbuffer.New
}

// DefaultConfig mirrors the origin's defaults.
func DefaultConfig() Config {
	return Config{
		EntryThreshold:         -0.99,
		DynamicSpread:          0.79,
		ExitFloor:              0.10,
		MaxPositions:           1,
		FundingInterval:        8,
		RequirePositiveFunding: true,
		AcceptDegraded:         true,
		USDTRescanDebounce:     500 * time.Millisecond,
		EntryBackupInterval:    1500 * time.Millisecond,
		ExitBackupInterval:     250 * time.Millisecond,
		Thresholds:             quality.DefaultThresholds(),
		SignalQueueCapacity:    64,
	}
}

// SymbolWatch is one symbol the engine evaluates, together with its
// exchange-pair candidates and its foreign-side lot/funding metadata.
type SymbolWatch struct {
	Symbol  models.Symbol
	Pairs   []ExchangePair
}

// Engine is the Signal Engine. It owns no quote storage of its own — prices
// live in the Quote Cache, positions live in the Position Tracker — it only
// evaluates the entry/exit predicates and hands qualifying signals to a
// callback or a ring buffer.
type Engine struct {
	cfg     Config
	cache   *cache.QuoteCache
	tracker *position.Tracker

	watchesMu sync.RWMutex
	watches   []SymbolWatch

	// koreanUsdtVenue is the Korean venue whose USDT/KRW ticker drives the
	// reference rate; its own symbol never itself has an entry/exit check.
	koreanUsdtVenue models.Exchange
	usdtSymbol      models.Symbol

	rescanPending   atomic.Bool
	rescanDeadline  atomic.Int64 // unix millis; 0 means no debounce armed

	updateSeq uint64
	condMu    sync.Mutex
	cond      *sync.Cond

	EntryQueue *ringbuffer.RingBuffer[models.Signal]
	ExitQueue  *ringbuffer.RingBuffer[models.Signal]

	OnEntry func(models.Signal)
	OnExit  func(models.Signal)

	stop chan struct{}
}

// New builds an Engine watching the given symbols. usdtVenue/usdtSymbol
// identify the Korean-venue USDT/KRW ticker used as the reference rate.
func New(cfg Config, qc *cache.QuoteCache, tr *position.Tracker, watches []SymbolWatch, usdtVenue models.Exchange, usdtSymbol models.Symbol) *Engine {
	e := &Engine{
		cfg:             cfg,
		cache:           qc,
		tracker:         tr,
		watches:         watches,
		koreanUsdtVenue: usdtVenue,
		usdtSymbol:      usdtSymbol,
		EntryQueue:      ringbuffer.New[models.Signal](cfg.SignalQueueCapacity),
		ExitQueue:       ringbuffer.New[models.Signal](cfg.SignalQueueCapacity),
		stop:            make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.condMu)
	return e
}

// bumpUpdateSeq advances the monotonic sequence and wakes any waiter, per
// spec section 4.5 step 4.
func (e *Engine) bumpUpdateSeq() {
	e.condMu.Lock()
	e.updateSeq++
	e.condMu.Unlock()
	e.cond.Broadcast()
}

// WaitForUpdate blocks until the update sequence advances past lastSeen, or
// timeout elapses. Returns the new sequence value (equal to lastSeen on
// timeout). Used by the execution controller between slices.
func (e *Engine) WaitForUpdate(lastSeen uint64, timeout time.Duration) uint64 {
	deadline := time.Now().Add(timeout)
	e.condMu.Lock()
	defer e.condMu.Unlock()
	for e.updateSeq <= lastSeen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return e.updateSeq
		}
		timer := time.AfterFunc(remaining, e.cond.Broadcast)
		e.cond.Wait()
		timer.Stop()
		if time.Now().After(deadline) {
			return e.updateSeq
		}
	}
	return e.updateSeq
}

// CurrentUpdateSeq returns the present sequence value without blocking.
func (e *Engine) CurrentUpdateSeq() uint64 {
	e.condMu.Lock()
	defer e.condMu.Unlock()
	return e.updateSeq
}

// watchFor finds the registered watch for sym, or (SymbolWatch{}, false).
func (e *Engine) watchFor(sym models.Symbol) (SymbolWatch, bool) {
	e.watchesMu.RLock()
	defer e.watchesMu.RUnlock()
	for _, w := range e.watches {
		if w.Symbol == sym {
			return w, true
		}
	}
	return SymbolWatch{}, false
}

// OnTickerUpdate is the fast path (spec section 4.5 steps 1-4): write the
// quote into the cache, and either arm a debounced full rescan (USDT/KRW
// ticks) or evaluate this symbol's own entry/exit predicate.
func (e *Engine) OnTickerUpdate(ex models.Exchange, q models.Quote) {
	e.cache.Update(ex, q.Symbol, q.Bid, q.Ask, q.Last, q.TimestampMs)

	// Only the foreign perpetual leg carries funding data; a Korean spot
	// Quote's FundingInterval is always its zero value, so this never
	// clobbers the seed wireTickers wrote from the foreign adapter's cached
	// interval with a spot tick that has nothing to report.
	if q.FundingInterval > 0 {
		e.cache.UpdateFunding(ex, q.Symbol, q.FundingRate, q.FundingInterval, q.NextFundingMs)
	}

	if ex == e.koreanUsdtVenue && q.Symbol == e.usdtSymbol {
		if q.Last > 0 {
			e.cache.UpdateUsdtRate(ex, q.Last)
		} else if q.Mid() > 0 {
			e.cache.UpdateUsdtRate(ex, q.Mid())
		}
		e.armRescan()
		e.bumpUpdateSeq()
		return
	}

	if w, ok := e.watchFor(q.Symbol); ok {
		e.evaluateSymbol(w, q.TimestampMs)
	}
	e.bumpUpdateSeq()
}

// armRescan marks a full rescan pending with a debounce deadline; the
// monitor loop performs the actual scan once the deadline passes, avoiding
// burst amplification from a fast-ticking USDT/KRW feed (spec 4.5 step 2).
func (e *Engine) armRescan() {
	e.rescanPending.Store(true)
	e.rescanDeadline.Store(time.Now().Add(e.cfg.USDTRescanDebounce).UnixMilli())
}

// evaluateSymbol runs the entry check (if capacity and no open position) and
// the exit check (if a position is open) for one symbol against every
// configured exchange pair, pushing a signal and invoking the matching
// callback on the first qualifying pair.
func (e *Engine) evaluateSymbol(w SymbolWatch, nowMs int64) {
	hasPosition := e.tracker.HasPosition(w.Symbol)

	if !hasPosition && e.tracker.CanOpenPosition() {
		if sig, ok := e.bestEntry(w, nowMs); ok {
			e.pushEntry(sig)
		}
	}
	if hasPosition {
		pos, ok := e.tracker.GetPosition(w.Symbol)
		if ok {
			if sig, ok := e.checkExit(w, pos, nowMs); ok {
				e.pushExit(sig)
			}
		}
	}
}

// bestEntry evaluates every configured pair for w and returns the first
// (or, when called from a full scan context, effectively the only) pair
// whose entry premium clears the quality filter, funding filter, and
// ENTRY_THRESHOLD. Used by both the fast path (one symbol) and the monitor
// loop's backup scans (iterated per symbol).
func (e *Engine) bestEntry(w SymbolWatch, nowMs int64) (models.Signal, bool) {
	for _, pair := range w.Pairs {
		korean := e.cache.Get(pair.Korean, w.Symbol)
		foreign := e.cache.Get(pair.Foreign, w.Symbol)
		usdtRate := e.cache.GetUsdtRate(pair.Korean)

		metrics.QuoteAgeMs.WithLabelValues(pair.Korean.String(), w.Symbol.String()).Set(float64(nowMs - korean.TimestampMs))
		metrics.QuoteAgeMs.WithLabelValues(pair.Foreign.String(), w.Symbol.String()).Set(float64(nowMs - foreign.TimestampMs))

		if !quality.AcceptDegraded(korean, e.cfg.AcceptDegraded) {
			metrics.RecordQuoteRejection(w.Symbol.String(), "invalid")
			continue
		}
		if !quality.Usable(korean, foreign, usdtRate, nowMs, e.cfg.Thresholds) {
			metrics.RecordQuoteRejection(w.Symbol.String(), "quality")
			continue
		}
		if !e.fundingQualifies(foreign) {
			continue
		}

		entryPremium := premium.EntryPremium(korean.Ask, foreign.Bid, usdtRate)
		if entryPremium > e.cfg.EntryThreshold {
			metrics.RecordSignal(w.Symbol.String(), "entry", false, entryPremium)
			continue
		}

		metrics.RecordSignal(w.Symbol.String(), "entry", true, entryPremium)
		return models.Signal{
			Kind:            models.SignalEntry,
			Symbol:          w.Symbol,
			KoreanExchange:  pair.Korean,
			ForeignExchange: pair.Foreign,
			Premium:         entryPremium,
			KoreanPrice:     korean.Ask,
			ForeignPrice:    foreign.Bid,
			FundingRate:     foreign.FundingRate,
			UsdtRate:        usdtRate,
			TimestampMs:     nowMs,
		}, true
	}
	return models.Signal{}, false
}

// checkExit evaluates pos's own exchange pair for the exit condition:
// quality pass plus exit_premium >= dynamic_exit_threshold computed from the
// position's actual entry premium.
func (e *Engine) checkExit(w SymbolWatch, pos models.Position, nowMs int64) (models.Signal, bool) {
	korean := e.cache.Get(pos.KoreanExchange, w.Symbol)
	foreign := e.cache.Get(pos.ForeignExchange, w.Symbol)
	usdtRate := e.cache.GetUsdtRate(pos.KoreanExchange)

	if !quality.Usable(korean, foreign, usdtRate, nowMs, e.cfg.Thresholds) {
		metrics.RecordQuoteRejection(w.Symbol.String(), "quality")
		return models.Signal{}, false
	}

	exitPremium := premium.ExitPremium(korean.Bid, foreign.Ask, usdtRate)
	threshold := premium.DynamicExitThreshold(pos.EntryPremium, e.cfg.DynamicSpread, e.cfg.ExitFloor)
	if exitPremium < threshold {
		metrics.RecordSignal(w.Symbol.String(), "exit", false, exitPremium)
		return models.Signal{}, false
	}

	metrics.RecordSignal(w.Symbol.String(), "exit", true, exitPremium)
	return models.Signal{
		Kind:            models.SignalExit,
		Symbol:          w.Symbol,
		KoreanExchange:  pos.KoreanExchange,
		ForeignExchange: pos.ForeignExchange,
		Premium:         exitPremium,
		KoreanPrice:     korean.Bid,
		ForeignPrice:    foreign.Ask,
		FundingRate:     foreign.FundingRate,
		UsdtRate:        usdtRate,
		TimestampMs:     nowMs,
	}, true
}

// fundingQualifies implements spec 4.5's funding filter: the foreign
// symbol's funding interval must equal the configured interval, and its
// rate must be non-negative when RequirePositiveFunding is set.
func (e *Engine) fundingQualifies(foreign models.Quote) bool {
	if foreign.FundingInterval != e.cfg.FundingInterval {
		return false
	}
	if e.cfg.RequirePositiveFunding && foreign.FundingRate < 0 {
		return false
	}
	return true
}

func (e *Engine) pushEntry(sig models.Signal) {
	e.EntryQueue.Push(sig)
	if e.OnEntry != nil {
		e.OnEntry(sig)
	}
}

func (e *Engine) pushExit(sig models.Signal) {
	e.ExitQueue.Push(sig)
	if e.OnExit != nil {
		e.OnExit(sig)
	}
}

// Run starts the monitor loop on the calling goroutine; it blocks until
// Stop is called. Grounded on the teacher's scanLoop in internal/bot/engine.go
// (a single select-driven loop multiplexing several *time.Ticker channels).
func (e *Engine) Run() {
	entryTicker := time.NewTicker(e.cfg.EntryBackupInterval)
	defer entryTicker.Stop()
	exitTicker := time.NewTicker(e.cfg.ExitBackupInterval)
	defer exitTicker.Stop()
	debounceTicker := time.NewTicker(50 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-debounceTicker.C:
			e.maybeRunDebouncedRescan()
		case <-entryTicker.C:
			if e.tracker.CanOpenPosition() {
				e.entryBackupScan()
			}
		case <-exitTicker.C:
			if e.tracker.ActiveCount() > 0 {
				e.exitBackupScan()
			}
		}
	}
}

// Stop halts the monitor loop started by Run.
func (e *Engine) Stop() {
	close(e.stop)
}

func (e *Engine) maybeRunDebouncedRescan() {
	if !e.rescanPending.Load() {
		return
	}
	deadline := e.rescanDeadline.Load()
	if deadline == 0 || time.Now().UnixMilli() < deadline {
		return
	}
	e.rescanPending.Store(false)
	e.fullRescan()
}

// fullRescan implements spec 4.5's entry-selection-under-cap rule: under a
// single-position cap it collects every qualifying symbol and emits only the
// one with the lowest (most negative) entry premium; under a higher cap it
// emits one signal per qualifying symbol up to remaining capacity.
func (e *Engine) fullRescan() {
	nowMs := time.Now().UnixMilli()
	e.watchesMu.RLock()
	watches := make([]SymbolWatch, len(e.watches))
	copy(watches, e.watches)
	e.watchesMu.RUnlock()

	remaining := e.cfg.MaxPositions - e.tracker.ActiveCount()
	if remaining <= 0 {
		e.exitBackupScanLocked(watches, nowMs)
		return
	}

	if e.cfg.MaxPositions <= 1 {
		var best models.Signal
		found := false
		for _, w := range watches {
			if e.tracker.HasPosition(w.Symbol) {
				continue
			}
			sig, ok := e.bestEntry(w, nowMs)
			if !ok {
				continue
			}
			if !found || sig.Premium < best.Premium {
				best, found = sig, true
			}
		}
		if found {
			e.pushEntry(best)
		}
	} else {
		for _, w := range watches {
			if remaining <= 0 {
				break
			}
			if e.tracker.HasPosition(w.Symbol) {
				continue
			}
			sig, ok := e.bestEntry(w, nowMs)
			if !ok {
				continue
			}
			e.pushEntry(sig)
			remaining--
		}
	}

	e.exitBackupScanLocked(watches, nowMs)
}

func (e *Engine) entryBackupScan() {
	nowMs := time.Now().UnixMilli()
	e.watchesMu.RLock()
	watches := make([]SymbolWatch, len(e.watches))
	copy(watches, e.watches)
	e.watchesMu.RUnlock()

	remaining := e.cfg.MaxPositions - e.tracker.ActiveCount()
	for _, w := range watches {
		if remaining <= 0 {
			break
		}
		if e.tracker.HasPosition(w.Symbol) {
			continue
		}
		sig, ok := e.bestEntry(w, nowMs)
		if !ok {
			continue
		}
		e.pushEntry(sig)
		remaining--
	}
}

func (e *Engine) exitBackupScan() {
	nowMs := time.Now().UnixMilli()
	e.watchesMu.RLock()
	watches := make([]SymbolWatch, len(e.watches))
	copy(watches, e.watches)
	e.watchesMu.RUnlock()
	e.exitBackupScanLocked(watches, nowMs)
}

func (e *Engine) exitBackupScanLocked(watches []SymbolWatch, nowMs int64) {
	for _, w := range watches {
		pos, ok := e.tracker.GetPosition(w.Symbol)
		if !ok {
			continue
		}
		if sig, ok := e.checkExit(w, pos, nowMs); ok {
			e.pushExit(sig)
		}
	}
}

// SetWatches replaces the symbol watch list, e.g. after available_symbols()
// enumeration changes which symbols are tradable.
func (e *Engine) SetWatches(watches []SymbolWatch) {
	e.watchesMu.Lock()
	e.watches = watches
	e.watchesMu.Unlock()
}

// Watches returns the current symbol watch list, for callers outside the
// fast/monitor paths that need a read-only view (the -m/--monitor TUI).
func (e *Engine) Watches() []SymbolWatch {
	e.watchesMu.RLock()
	defer e.watchesMu.RUnlock()
	out := make([]SymbolWatch, len(e.watches))
	copy(out, e.watches)
	return out
}
