// Package engine wires the Quote Cache, Signal Engine, Position Tracker,
// Position Persistence, and the Exchange Capability pair together into the
// control plane spec section 5 describes: one goroutine per open execution
// loop, one signal-engine monitor-loop goroutine, and this orchestrating
// goroutine owning startup recovery and shutdown. Grounded on the teacher's
// Bot.Run in internal/bot/engine.go — connect adapters, enumerate symbols,
// start the monitor loop, then block on a cancellation signal — generalized
// from the teacher's N-pair dashboard loop to this system's single
// Korean/foreign venue pair.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/cache"
	"kimpbot/internal/config"
	"kimpbot/internal/exchange"
	"kimpbot/internal/execution"
	"kimpbot/internal/logging"
	"kimpbot/internal/models"
	"kimpbot/internal/notify"
	"kimpbot/internal/persistence"
	"kimpbot/internal/position"
	"kimpbot/internal/signal"
)

// notifyBusCapacity mirrors notify.NewBus's own default rationale: enough
// headroom to absorb a burst of slice events across every open symbol
// between the logging consumer's wake-ups.
const notifyBusCapacity = 100

// canonicalQuote is the quote token every Quote is normalized to before it
// enters the Quote Cache. The two legs of this system's only tradable pair
// are natively quoted in different currencies — Korean venues in KRW,
// foreign venues in USDT — but models.Symbol equality (and therefore cache
// keying) is byte-exact over (base, quote), and the signal engine looks
// both legs up under one shared models.Symbol. Every exchange adapter
// derives its own wire-level pair string from Symbol.Base alone (see e.g.
// Bybit.bybitSymbol, Upbit.upbitSymbol), so the quote token carried on the
// canonical Symbol is never read as a real currency by any adapter — it
// exists purely as the cache/engine layer's shared key.
const canonicalQuote = "USDT"

func canonicalize(sym models.Symbol) models.Symbol {
	return models.NewSymbol(sym.Base, canonicalQuote)
}

// Engine owns every long-lived component for one process run.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	cache   *cache.QuoteCache
	tracker *position.Tracker
	sig     *signal.Engine
	store   *persistence.Store
	audit   *execution.AuditLog

	korean      exchange.KoreanSpot
	koreanVenue models.Exchange

	foreign      exchange.ForeignPerp
	foreignVenue models.Exchange

	execCfg execution.Config

	shutdown *execution.ShutdownFlag

	wg sync.WaitGroup

	loopsMu   sync.Mutex
	loops     map[models.Symbol]bool
	blacklist map[models.Symbol]models.BlacklistEntry

	notify *notify.Bus

	watchesMu sync.RWMutex
	watches   []signal.SymbolWatch
}

// Quotes exposes the Quote Cache for the -m/--monitor TUI, which needs to
// read live bid/ask without importing anything internal to the execution
// or signal packages.
func (e *Engine) Quotes() *cache.QuoteCache { return e.cache }

// Positions exposes the Position Tracker for the -m/--monitor TUI.
func (e *Engine) Positions() *position.Tracker { return e.tracker }

// Watches returns the symbols this process is evaluating, populated once
// Run has completed its startup enumeration.
func (e *Engine) Watches() []signal.SymbolWatch {
	e.watchesMu.RLock()
	defer e.watchesMu.RUnlock()
	out := make([]signal.SymbolWatch, len(e.watches))
	copy(out, e.watches)
	return out
}

// Venues returns the one Korean/one foreign exchange pair this process
// trades.
func (e *Engine) Venues() (models.Exchange, models.Exchange) {
	return e.koreanVenue, e.foreignVenue
}

// New builds an Engine from already-constructed components. Kept narrow and
// constructor-injected, the same discipline as execution.New, so tests can
// substitute fake Capability/QuoteCache-backed components without touching
// real venues. Production wiring of the concrete adapters from a loaded
// config lives in NewFromConfig.
func New(cfg *config.Config, log *zap.Logger, qc *cache.QuoteCache, tracker *position.Tracker, store *persistence.Store, audit *execution.AuditLog, korean exchange.KoreanSpot, koreanVenue models.Exchange, foreign exchange.ForeignPerp, foreignVenue models.Exchange) *Engine {
	return &Engine{
		cfg:          cfg,
		log:          log,
		cache:        qc,
		tracker:      tracker,
		store:        store,
		audit:        audit,
		korean:       korean,
		koreanVenue:  koreanVenue,
		foreign:      foreign,
		foreignVenue: foreignVenue,
		execCfg:      executionConfigFromTrading(cfg.Trading),
		shutdown:     execution.NewAtomicFlag(),
		loops:        make(map[models.Symbol]bool),
		blacklist:    make(map[models.Symbol]models.BlacklistEntry),
		notify:       notify.NewBus(notifyBusCapacity),
	}
}

// NewFromConfig constructs every component from a loaded Config: the Quote
// Cache, Position Tracker, Position Persistence store, audit log, and the
// one Korean/one foreign exchange adapter the config's enabled venues name
// (spec's one-Korean-by-one-foreign Non-goal: the first enabled entry per
// leg, in the fixed SupportedKoreanVenues/SupportedForeignVenues order, wins
// deterministically over Go's randomized map iteration).
func NewFromConfig(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	koreanName, koreanCfg, err := firstEnabled(cfg.Exchanges, exchange.SupportedKoreanVenues)
	if err != nil {
		return nil, fmt.Errorf("select korean venue: %w", err)
	}
	foreignName, foreignCfg, err := firstEnabled(cfg.Exchanges, exchange.SupportedForeignVenues)
	if err != nil {
		return nil, fmt.Errorf("select foreign venue: %w", err)
	}

	korean, err := exchange.NewKoreanSpot(koreanName, koreanCfg.APIKey, koreanCfg.SecretKey, log)
	if err != nil {
		return nil, err
	}
	foreign, err := exchange.NewForeignPerp(foreignName, foreignCfg.APIKey, foreignCfg.SecretKey, log)
	if err != nil {
		return nil, err
	}

	koreanVenue, _ := models.ParseExchange(koreanName)
	foreignVenue, _ := models.ParseExchange(foreignName)

	qc := cache.NewQuoteCache(cfg.Trading.MaxKoreanSpreadPct * 5) // outlier guard on the KRW reference rate, independent of the spread caps
	tracker := position.NewTracker(cfg.Trading.MaxPositions)

	store := persistence.NewStore(cfg.PositionSnapshotPath)
	audit, err := execution.NewAuditLog(cfg.TradeLogDir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return New(cfg, log, qc, tracker, store, audit, korean, koreanVenue, foreign, foreignVenue), nil
}

func firstEnabled(exchanges map[string]config.ExchangeConfig, candidates []string) (string, config.ExchangeConfig, error) {
	for _, name := range candidates {
		if cfg, ok := exchanges[name]; ok && cfg.Enabled {
			return name, cfg, nil
		}
	}
	return "", config.ExchangeConfig{}, fmt.Errorf("no enabled venue among %v", candidates)
}

func executionConfigFromTrading(t config.TradingConfig) execution.Config {
	return execution.Config{
		SliceUSD:               t.SliceUSD,
		SliceInterval:          t.SliceInterval,
		SmallCloseThresholdUSD: t.SmallCloseThresholdUSD,
		EntryThreshold:         t.EntryThreshold,
		DynamicSpread:          t.DynamicSpread,
		ExitFloor:              t.ExitFloor,
		KoreanSellRetries:      t.KoreanSellRetries,
		KoreanSellRetryBase:    t.KoreanSellRetryBase,
	}
}

func signalConfigFromTrading(t config.TradingConfig) signal.Config {
	cfg := signal.DefaultConfig()
	cfg.EntryThreshold = t.EntryThreshold
	cfg.DynamicSpread = t.DynamicSpread
	cfg.ExitFloor = t.ExitFloor
	cfg.MaxPositions = t.MaxPositions
	cfg.AcceptDegraded = t.AcceptDegradedQuotes
	cfg.Thresholds.MaxQuoteAgeMs = t.MaxQuoteAgeMs
	cfg.Thresholds.MaxDesyncMs = t.MaxDesyncMs
	cfg.Thresholds.MaxKoreanSpreadPct = t.MaxKoreanSpreadPct
	cfg.Thresholds.MaxForeignSpreadPct = t.MaxForeignSpreadPct
	return cfg
}

// Run performs startup (connect, enumerate, preset leverage, build the
// external-position blacklist, recover any persisted position) and then
// blocks running the control plane until ctx is cancelled, at which point it
// flips the shutdown flag, waits for every execution loop to return its
// partial state, and disconnects both venues.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.korean.Connect(ctx); err != nil {
		return fmt.Errorf("connect korean venue: %w", err)
	}
	if err := e.foreign.Connect(ctx); err != nil {
		return fmt.Errorf("connect foreign venue: %w", err)
	}

	watches, err := e.buildWatches(ctx)
	if err != nil {
		return fmt.Errorf("enumerate tradable symbols: %w", err)
	}

	if err := e.presetLeverage(ctx, watches); err != nil {
		e.log.Error("leverage preset failed for one or more symbols", zap.Error(err))
	}

	if err := e.buildBlacklist(ctx, watches); err != nil {
		e.log.Error("blacklist scan failed, continuing with a partial blacklist", zap.Error(err))
	}

	e.watchesMu.Lock()
	e.watches = watches
	e.watchesMu.Unlock()
	e.sig = signal.New(signalConfigFromTrading(e.cfg.Trading), e.cache, e.tracker, watches, e.koreanVenue, canonicalize(models.NewSymbol("USDT", "KRW")))
	e.sig.OnEntry = e.onEntrySignal
	e.sig.OnExit = e.onExitSignal

	if err := e.wireTickers(watches); err != nil {
		return fmt.Errorf("subscribe ticker streams: %w", err)
	}

	e.recoverSnapshot(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sig.Run()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeNotifications(ctx)
	}()

	<-ctx.Done()
	e.log.Info("shutdown requested, draining execution loops")
	e.shutdown.Set()
	e.sig.Stop()
	e.wg.Wait()

	var disconnectErr error
	if err := e.korean.Disconnect(); err != nil {
		disconnectErr = err
	}
	if err := e.foreign.Disconnect(); err != nil {
		if disconnectErr != nil {
			disconnectErr = fmt.Errorf("%w; foreign disconnect: %v", disconnectErr, err)
		} else {
			disconnectErr = err
		}
	}
	return disconnectErr
}

// buildWatches enumerates each venue's tradable symbols and keeps only the
// coins listed on both, since this system trades exactly one Korean spot /
// foreign perpetual pair per symbol (spec 2's Non-goal).
func (e *Engine) buildWatches(ctx context.Context) ([]signal.SymbolWatch, error) {
	koreanSymbols, err := e.korean.AvailableSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("korean available_symbols: %w", err)
	}
	foreignSymbols, err := e.foreign.AvailableSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("foreign available_symbols: %w", err)
	}

	foreignBases := make(map[string]bool, len(foreignSymbols))
	for _, s := range foreignSymbols {
		foreignBases[s.Base] = true
	}

	var watches []signal.SymbolWatch
	for _, s := range koreanSymbols {
		if !foreignBases[s.Base] {
			continue
		}
		watches = append(watches, signal.SymbolWatch{
			Symbol: canonicalize(s),
			Pairs:  []signal.ExchangePair{{Korean: e.koreanVenue, Foreign: e.foreignVenue}},
		})
	}
	return watches, nil
}

func (e *Engine) presetLeverage(ctx context.Context, watches []signal.SymbolWatch) error {
	var firstErr error
	for _, w := range watches {
		if err := e.foreign.SetLeverage(ctx, w.Symbol, 1); err != nil {
			e.log.Warn("set_leverage failed", logging.Symbol(w.Symbol.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// buildBlacklist implements spec 4.6's precondition: a symbol with an
// externally-held foreign short position or Korean spot balance at startup
// is excluded for the life of the process, since this system never unwinds
// a position it did not open itself.
func (e *Engine) buildBlacklist(ctx context.Context, watches []signal.SymbolWatch) error {
	positions, err := e.foreign.Positions(ctx)
	if err != nil {
		return fmt.Errorf("foreign positions: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		sym := canonicalize(p.Symbol)
		reason := fmt.Sprintf("external foreign position found at startup (qty=%g)", p.Quantity)
		e.blacklist[sym] = models.BlacklistEntry{Symbol: sym, Reason: reason, CreatedAt: now}
		e.log.Warn("blacklisting symbol: "+reason, logging.Symbol(sym.String()), logging.Volume(p.Quantity))
	}

	for _, w := range watches {
		bal, err := e.korean.Balance(ctx, w.Symbol.Base)
		if err != nil {
			e.log.Warn("balance check failed, leaving symbol off the blacklist", logging.Symbol(w.Symbol.String()), zap.Error(err))
			continue
		}
		if bal > 0 {
			reason := fmt.Sprintf("external korean balance found at startup (qty=%g)", bal)
			e.blacklist[w.Symbol] = models.BlacklistEntry{Symbol: w.Symbol, Reason: reason, CreatedAt: now}
			e.log.Warn("blacklisting symbol: "+reason, logging.Symbol(w.Symbol.String()), logging.Volume(bal))
		}
	}
	return nil
}

// wireTickers subscribes both venues' ticker streams, canonicalizing every
// incoming Quote's Symbol before handing it to the signal engine so the two
// legs of a pair land in the Quote Cache under the same key.
func (e *Engine) wireTickers(watches []signal.SymbolWatch) error {
	// Seed the funding-rate group from the interval AvailableSymbols already
	// cached on the foreign adapter, so fundingQualifies (spec 4.5) has a
	// funding interval to compare against before the first ticker carrying
	// a live fundingRate/nextFundingTime arrives. OnTickerUpdate keeps this
	// group current afterward.
	for _, w := range watches {
		if hrs, ok := e.foreign.FundingIntervalHours(w.Symbol); ok {
			e.cache.UpdateFunding(e.foreignVenue, w.Symbol, 0, hrs, 0)
		}
	}

	// The USDT/KRW ticker drives the reference rate premium.DynamicExitThreshold
	// and bestEntry's conversion need; it carries no foreign leg of its own, so
	// it rides on the same Korean subscription rather than a watch entry.
	koreanNative := make([]models.Symbol, 0, len(watches)+1)
	koreanNative = append(koreanNative, models.NewSymbol("USDT", "KRW"))
	foreignNative := make([]models.Symbol, 0, len(watches))
	for _, w := range watches {
		koreanNative = append(koreanNative, models.NewSymbol(w.Symbol.Base, "KRW"))
		foreignNative = append(foreignNative, models.NewSymbol(w.Symbol.Base, "USDT"))
	}

	if err := e.korean.SubscribeTicker(koreanNative, func(q models.Quote) {
		q.Symbol = canonicalize(q.Symbol)
		e.sig.OnTickerUpdate(e.koreanVenue, q)
	}); err != nil {
		return fmt.Errorf("subscribe korean ticker: %w", err)
	}

	if err := e.foreign.SubscribeTicker(foreignNative, func(q models.Quote) {
		q.Symbol = canonicalize(q.Symbol)
		e.sig.OnTickerUpdate(e.foreignVenue, q)
	}); err != nil {
		return fmt.Errorf("subscribe foreign ticker: %w", err)
	}
	return nil
}

// recoverSnapshot implements spec 4.7's startup recovery: a persisted
// Position is re-inserted into the tracker and given an exit-only loop so
// the process finishes closing what it had open before it restarted.
func (e *Engine) recoverSnapshot(ctx context.Context) {
	pos, ok, err := e.store.Load()
	if err != nil {
		e.log.Error("failed to load position snapshot at startup", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	e.log.Info("recovered position snapshot, starting exit-only loop", logging.Symbol(pos.Symbol.String()))
	e.tracker.OpenPosition(pos)
	e.notify.Emit(models.Notification{
		Timestamp: time.Now(), Type: models.NotificationRecovered, Severity: models.SeverityWarn, Symbol: pos.Symbol.String(),
		Message: "recovered position snapshot from a prior run, starting exit-only loop",
	})
	e.startLoop(pos.Symbol, func(ctx context.Context, ctrl *execution.Controller) execution.Result {
		return ctrl.RunExitOnly(ctx, pos)
	})
}

// consumeNotifications drains the notification bus onto the logger until ctx
// is cancelled. This process has no dashboard or websocket hub to fan events
// out to (see DESIGN.md's final teacher-module disposition pass), so the
// logger is the one subscriber the notification bus needs today.
func (e *Engine) consumeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-e.notify.C():
			if !ok {
				return
			}
			fields := []zap.Field{logging.Symbol(n.Symbol), zap.String("type", n.Type)}
			switch n.Severity {
			case models.SeverityCritical, models.SeverityError:
				e.log.Error(n.Message, fields...)
			case models.SeverityWarn:
				e.log.Warn(n.Message, fields...)
			default:
				e.log.Info(n.Message, fields...)
			}
		}
	}
}

// onEntrySignal opens the symbol's tracker slot immediately, before the
// loop's first slice fills, so the signal engine's hasPosition/CanOpenPosition
// gate (internal/signal's entry evaluation) sees this symbol as occupied for
// the whole lifetime of the loop rather than only once a slice completes —
// the Controller's own pos accumulator, not this placeholder, is what the
// snapshot and PnL math are built from.
func (e *Engine) onEntrySignal(sig models.Signal) {
	if !e.tracker.OpenPosition(models.Position{
		Symbol:          sig.Symbol,
		KoreanExchange:  sig.KoreanExchange,
		ForeignExchange: sig.ForeignExchange,
		EntryPremium:    sig.Premium,
		IsActive:        true,
	}) {
		return
	}
	e.startLoop(sig.Symbol, func(ctx context.Context, ctrl *execution.Controller) execution.Result {
		return ctrl.RunEntry(ctx, sig.Symbol, sig.KoreanExchange, sig.ForeignExchange, e.cfg.Trading.SizeTargetUSD)
	})
}

// onExitSignal is a backstop: the owning entry loop already re-evaluates
// the exit condition on every iteration (spec 4.6's "dynamic switching
// between entry and exit inside the same loop"), so an exit signal for a
// symbol that already has a running loop needs no action here.
func (e *Engine) onExitSignal(sig models.Signal) {}

// startLoop launches run on its own goroutine for sym, guarding against two
// concurrent loops for the same symbol (spec 4.4's at-most-one-slot
// invariant, extended to the execution loop itself).
func (e *Engine) startLoop(sym models.Symbol, run func(context.Context, *execution.Controller) execution.Result) {
	e.loopsMu.Lock()
	if e.loops[sym] {
		e.loopsMu.Unlock()
		return
	}
	e.loops[sym] = true
	e.loopsMu.Unlock()

	ctrl := execution.New(e.execCfg, e.cache, e.sig, e.tracker, e.korean, e.foreign, e.store, e.audit, e.blacklist, e.shutdown, e.notify, e.log)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.loopsMu.Lock()
			delete(e.loops, sym)
			e.loopsMu.Unlock()
		}()

		result := run(context.Background(), ctrl)
		if result.Closed {
			e.tracker.ClosePosition(sym)
			e.log.Info("position closed", logging.Symbol(sym.String()), logging.PNL(result.RealizedPnlKRW))
			return
		}
		if result.Partial.IsActive {
			e.tracker.UpdatePosition(sym, func(p *models.Position) { *p = result.Partial })
			e.log.Warn("execution loop stopped with an open position", logging.Symbol(sym.String()))
		}
	}()
}
