// Package reconcile compares the ledger against broker-reported positions
// and working orders and corrects drift.
//
// The broker is ground truth for quantity. Reconciliation never places a
// trade to fix a quantity difference; the only order it ever sends is the
// single resubmission of a protective exit the broker lost.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/execution"
	"exitengine/internal/ledger"
	"exitengine/internal/markethours"
	"exitengine/internal/metrics"
	"exitengine/internal/model"
	"exitengine/internal/planner"
)

// Serializer runs fn on the symbol's worker. *engine.Engine implements it.
type Serializer interface {
	WithSymbol(ctx context.Context, symbol string, fn func(ctx context.Context) error) error
}

// Config holds reconciliation tunables.
type Config struct {
	Interval time.Duration // default 30s
	// SessionOnly skips periodic runs while the Globex session is closed.
	// The startup run always happens.
	SessionOnly bool
}

// Deps are the reconciler's collaborators. Store, Audit, Metrics and
// Health may be nil.
type Deps struct {
	Engine     Serializer
	Ledger     *ledger.Ledger
	Broker     model.Broker
	Dispatcher *execution.Dispatcher
	Store      model.PositionStore
	Audit      audit.Emitter
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
}

// Reconciler periodically patches the ledger from broker state.
type Reconciler struct {
	cfg     Config
	eng     Serializer
	ledger  *ledger.Ledger
	broker  model.Broker
	disp    *execution.Dispatcher
	store   model.PositionStore
	audit   audit.Emitter
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *zap.Logger
	now     func() time.Time
	isOpen  func(time.Time) bool
}

// New creates a reconciler.
func New(cfg Config, deps Deps, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Reconciler{
		cfg:     cfg,
		eng:     deps.Engine,
		ledger:  deps.Ledger,
		broker:  deps.Broker,
		disp:    deps.Dispatcher,
		store:   deps.Store,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		health:  deps.Health,
		log:     log.Named("reconcile"),
		now:     time.Now,
		isOpen:  markethours.IsMarketOpen,
	}
}

// Finding is one discrepancy found for a symbol.
type Finding struct {
	Symbol  string     `json:"symbol"`
	Kind    audit.Kind `json:"kind"`
	Type    string     `json:"type"`
	Message string     `json:"message"`
}

// Discrepancy types, used as the metric label.
const (
	TypeQuantity = "quantity"
	TypeOrphaned = "orphaned_exit"
	TypeUnknown  = "unknown_order"
	TypeCoverage = "coverage"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Symbols  int       `json:"symbols"`
	Findings []Finding `json:"findings"`
	Errors   []string  `json:"errors,omitempty"`
	At       time.Time `json:"at"`
}

// Run reconciles once immediately and then every Interval until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if _, err := r.ReconcileOnce(ctx); err != nil {
		r.log.Error("startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.cfg.SessionOnly && !r.isOpen(r.now()) {
				continue
			}
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.log.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce reconciles every symbol known to either side. A failure on
// one symbol does not stop the others.
//
// The first broker read only discovers symbols. Each symbol is compared
// against a fresh read taken on its worker, after any signal queued ahead
// of the pass has reached the broker.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	start := r.now()
	rep := Report{At: start}
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
		defer func() { r.metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds()) }()
	}

	snap, err := r.fetch(ctx)
	if err != nil {
		return rep, err
	}
	symbols := make(map[string]bool)
	for _, s := range r.ledger.Symbols() {
		symbols[s] = true
	}
	for s := range snap.positions {
		symbols[s] = true
	}
	for s := range snap.orders {
		symbols[s] = true
	}
	sorted := make([]string, 0, len(symbols))
	for s := range symbols {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	var errs []error
	for _, sym := range sorted {
		var found []Finding
		err := r.eng.WithSymbol(ctx, sym, func(ctx context.Context) error {
			snap, err := r.fetch(ctx)
			if err != nil {
				return err
			}
			bp := snap.positions[sym]
			bp.Symbol = sym
			found, err = r.reconcileSymbol(ctx, bp, snap.orders[sym])
			return err
		})
		rep.Findings = append(rep.Findings, found...)
		if err != nil {
			r.log.Error("symbol reconciliation failed", zap.String("symbol", sym), zap.Error(err))
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", sym, err))
			errs = append(errs, err)
		}
	}
	rep.Symbols = len(sorted)

	if r.health != nil {
		r.health.SetLastReconcile(r.now())
	}
	r.observePositions()
	if len(rep.Findings) > 0 {
		r.log.Warn("reconciliation found discrepancies", zap.Int("symbols", rep.Symbols), zap.Int("findings", len(rep.Findings)))
	} else {
		r.log.Debug("reconciliation clean", zap.Int("symbols", rep.Symbols))
	}
	return rep, errors.Join(errs...)
}

type brokerSnapshot struct {
	positions map[string]model.BrokerPosition
	orders    map[string][]model.BrokerOrder
}

func (r *Reconciler) fetch(ctx context.Context) (brokerSnapshot, error) {
	positions, err := r.broker.OpenPositions(ctx)
	if err != nil {
		return brokerSnapshot{}, fmt.Errorf("reconcile: open positions: %w", err)
	}
	orders, err := r.broker.OpenOrders(ctx)
	if err != nil {
		return brokerSnapshot{}, fmt.Errorf("reconcile: open orders: %w", err)
	}
	snap := brokerSnapshot{
		positions: make(map[string]model.BrokerPosition, len(positions)),
		orders:    make(map[string][]model.BrokerOrder),
	}
	for _, p := range positions {
		snap.positions[p.Symbol] = p
	}
	for _, o := range orders {
		snap.orders[o.Symbol] = append(snap.orders[o.Symbol], o)
	}
	return snap, nil
}

// reconcileSymbol runs on the symbol's worker.
func (r *Reconciler) reconcileSymbol(ctx context.Context, bp model.BrokerPosition, orders []model.BrokerOrder) ([]Finding, error) {
	sym := bp.Symbol
	cur, exists := r.ledger.Get(sym)
	if !exists {
		cur = model.Position{Symbol: sym, Direction: model.Long, Closed: true}
	}
	s := &symbolPass{r: r, cur: cur, next: cur.Clone()}

	reduced := s.fixQuantity(bp)
	matched := s.matchExits(ctx, orders, reduced)
	s.adoptOrders(orders, matched)
	s.checkCoverage()

	if !s.changed {
		return s.findings, nil
	}
	if !exists && s.next.NetQuantity == 0 && len(s.next.StagedExits) == 0 && !s.next.NeedsAttention {
		return s.findings, nil
	}
	committed, err := r.ledger.Replace(sym, s.next, cur.Version)
	if err != nil {
		return s.findings, fmt.Errorf("reconcile %s: %w", sym, err)
	}
	if r.store != nil {
		if err := r.store.Save(ctx, committed); err != nil {
			r.log.Error("snapshot save failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	for _, f := range s.findings {
		ev := audit.Event{Kind: f.Kind, Message: f.Message}
		ev.FromPosition(committed)
		ev.Intents = s.intents
		ev.Stamp(r.now())
		r.audit.Emit(ev)
		if r.metrics != nil && f.Type != "" {
			r.metrics.ReconcileDiscrepancies.WithLabelValues(f.Type).Inc()
		}
	}
	r.log.Info("ledger corrected",
		zap.String("symbol", sym),
		zap.Int64("version", committed.Version),
		zap.Int64("net", committed.NetQuantity),
		zap.Int("findings", len(s.findings)),
		zap.Bool("needs_attention", committed.NeedsAttention))
	return s.findings, nil
}

func (r *Reconciler) observePositions() {
	positions := r.ledger.All()
	var attention int
	if r.metrics != nil {
		_, attention = r.metrics.ObservePositions(positions)
	} else {
		for _, p := range positions {
			if p.NeedsAttention {
				attention++
			}
		}
	}
	if r.health != nil {
		r.health.SetNeedsAttention(attention)
	}
}

// symbolPass accumulates the corrections for one symbol.
type symbolPass struct {
	r        *Reconciler
	cur      model.Position
	next     model.Position
	findings []Finding
	intents  []audit.IntentLine
	changed  bool
	drift    bool
}

func (s *symbolPass) add(kind audit.Kind, typ, format string, args ...interface{}) {
	s.findings = append(s.findings, Finding{
		Symbol:  s.next.Symbol,
		Kind:    kind,
		Type:    typ,
		Message: fmt.Sprintf(format, args...),
	})
	s.changed = true
}

func (s *symbolPass) flag(reason string) {
	if s.next.NeedsAttention && strings.Contains(s.next.AttentionReason, reason) {
		return
	}
	s.next.Flag(reason)
	s.changed = true
}

func signed(p model.Position) int64 {
	if p.Direction == model.Short {
		return -p.NetQuantity
	}
	return p.NetQuantity
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// fixQuantity corrects lots to the broker's net quantity and returns how
// many contracts the broker shows fewer than the ledger did.
func (s *symbolPass) fixQuantity(bp model.BrokerPosition) int64 {
	ledgerNet := signed(s.cur)
	if bp.NetQuantity == ledgerNet {
		return 0
	}
	s.drift = true
	p := &s.next

	sameSide := ledgerNet != 0 && bp.NetQuantity != 0 && (ledgerNet > 0) == (bp.NetQuantity > 0)
	var reduced int64
	switch {
	case bp.NetQuantity == 0:
		reduced = p.NetQuantity
		p.Lots = nil
		p.NetQuantity = 0
		p.Closed = true
	case sameSide && abs(bp.NetQuantity) < p.NetQuantity:
		reduced = p.NetQuantity - abs(bp.NetQuantity)
		consumeLots(p, reduced)
	case sameSide:
		s.addLot(abs(bp.NetQuantity)-p.NetQuantity, bp)
	default:
		// flat or reversed: the broker's position replaces the ledger's
		reduced = p.NetQuantity
		p.Lots = nil
		p.NetQuantity = 0
		p.Direction = model.Long
		if bp.NetQuantity < 0 {
			p.Direction = model.Short
		}
		s.addLot(abs(bp.NetQuantity), bp)
	}
	if p.NetQuantity > 0 {
		p.Closed = false
	}

	s.add(audit.KindDiscrepancy, TypeQuantity, "broker net %d, ledger net %d: ledger corrected to broker",
		bp.NetQuantity, ledgerNet)
	return reduced
}

func (s *symbolPass) addLot(qty int64, bp model.BrokerPosition) {
	p := &s.next
	p.NextLotSeq++
	p.Lots = append(p.Lots, model.Lot{
		LotID:      fmt.Sprintf("%s-R%d", p.Symbol, p.NextLotSeq),
		Quantity:   qty,
		EntryPrice: bp.AvgPrice,
		CreatedAt:  s.r.now(),
	})
	p.NetQuantity = p.LotQuantity()
}

// consumeLots removes qty from the oldest lots first.
func consumeLots(p *model.Position, qty int64) {
	lots := p.Lots[:0:0]
	for _, l := range p.Lots {
		if qty > 0 {
			take := l.Quantity
			if take > qty {
				take = qty
			}
			l.Quantity -= take
			qty -= take
		}
		if l.Quantity > 0 {
			lots = append(lots, l)
		}
	}
	p.Lots = lots
	p.NetQuantity = p.LotQuantity()
}

// matchExits pairs staged exits with working broker orders. An exit the
// broker lost is dropped when the quantity reduction accounts for it (the
// bracket filled); otherwise it is orphaned and resubmitted once.
func (s *symbolPass) matchExits(ctx context.Context, orders []model.BrokerOrder, reduced int64) map[string]bool {
	used := make(map[string]bool)
	var kept []model.StagedExit
	for _, e := range s.next.StagedExits {
		if o, ok := findOrder(orders, e, used); ok {
			used[o.OrderID] = true
			if e.BrokerOrderID != o.OrderID || e.OrderState != model.IntentAcknowledged {
				e.BrokerOrderID = o.OrderID
				e.OrderState = model.IntentAcknowledged
				s.changed = true
			}
			kept = append(kept, e)
			continue
		}
		if e.OrderState == model.IntentPending && e.BrokerOrderID == "" {
			// never sent; a failed plan already flagged it
			kept = append(kept, e)
			continue
		}
		if reduced >= e.Quantity {
			reduced -= e.Quantity
			s.changed = true
			s.r.log.Info("exit assumed filled",
				zap.String("symbol", s.next.Symbol), zap.String("tier", string(e.Tier)), zap.Int64("qty", e.Quantity))
			continue
		}
		kept = append(kept, s.orphan(ctx, e))
	}
	s.next.StagedExits = kept
	return used
}

func findOrder(orders []model.BrokerOrder, e model.StagedExit, used map[string]bool) (model.BrokerOrder, bool) {
	for _, o := range orders {
		if used[o.OrderID] {
			continue
		}
		if (e.BrokerOrderID != "" && o.OrderID == e.BrokerOrderID) || (o.ClientTag != "" && o.ClientTag == e.OrderIntentID) {
			return o, true
		}
	}
	return model.BrokerOrder{}, false
}

// orphan handles an exit with no broker order. The first time it is seen
// (and the quantity agrees) it is resubmitted; after that it goes to manual
// review.
func (s *symbolPass) orphan(ctx context.Context, e model.StagedExit) model.StagedExit {
	sym := s.next.Symbol
	if e.OrderState == model.IntentOrphaned {
		s.flag(fmt.Sprintf("%s exit %s missing at broker after resubmission", e.Tier, e.ExitID))
		return e
	}
	e.OrderState = model.IntentOrphaned
	s.add(audit.KindOrphaned, TypeOrphaned, "%s exit %s (qty %d) has no broker order", e.Tier, e.ExitID, e.Quantity)

	if s.drift || s.r.disp == nil {
		s.flag(fmt.Sprintf("%s exit %s orphaned while quantity disagrees", e.Tier, e.ExitID))
		return e
	}

	intent := model.OrderIntent{
		IntentID:           planner.IntentID(sym, "resubmit", e.ExitID, e.Tier),
		Symbol:             sym,
		Side:               s.next.Direction.ExitSide(),
		Quantity:           e.Quantity,
		Kind:               model.KindBracket,
		StopPrice:          e.StopPrice,
		LimitPrice:         e.TargetPrice,
		LinkedStagedExitID: e.ExitID,
		State:              model.IntentPending,
	}
	ack, err := s.r.disp.Submit(ctx, intent)
	line := audit.IntentLine{
		IntentID: intent.IntentID, Kind: intent.Kind, Side: intent.Side, Quantity: intent.Quantity,
		State: ack.State, BrokerOrderID: ack.BrokerOrderID,
	}
	if err != nil {
		line.Message = err.Error()
		s.intents = append(s.intents, line)
		s.add(audit.KindManualReview, "", "%s exit %s resubmission failed: %v", e.Tier, e.ExitID, err)
		s.flag(fmt.Sprintf("%s exit %s resubmission failed", e.Tier, e.ExitID))
		return e
	}
	s.intents = append(s.intents, line)
	e.OrderIntentID = intent.IntentID
	e.BrokerOrderID = ack.BrokerOrderID
	e.OrderState = ack.State
	s.add(audit.KindResubmitted, "", "%s exit %s resubmitted as %s", e.Tier, e.ExitID, ack.BrokerOrderID)
	return e
}

// adoptOrders takes over working orders the ledger does not know. A
// bracket-shaped order on the exit side that fits into unprotected quantity
// and a free tier becomes a staged exit; anything else is for an operator.
func (s *symbolPass) adoptOrders(orders []model.BrokerOrder, used map[string]bool) {
	for _, o := range orders {
		if used[o.OrderID] {
			continue
		}
		tier, ok := s.adoptable(o)
		if !ok {
			s.add(audit.KindManualReview, TypeUnknown, "unknown %s %s order %s qty %d at broker", o.Side, o.Kind, o.OrderID, o.Quantity)
			s.flag(fmt.Sprintf("unknown broker order %s", o.OrderID))
			continue
		}
		id := o.ClientTag
		if id == "" {
			id = planner.IntentID(o.Symbol, "adopt", o.OrderID, tier)
		}
		s.next.StagedExits = append(s.next.StagedExits, model.StagedExit{
			ExitID:        id,
			Quantity:      o.Quantity,
			StopPrice:     o.StopPrice,
			TargetPrice:   o.TargetPrice,
			Tier:          tier,
			OrderIntentID: id,
			OrderState:    model.IntentAcknowledged,
			BrokerOrderID: o.OrderID,
		})
		sort.SliceStable(s.next.StagedExits, func(i, j int) bool { return s.next.StagedExits[i].Tier < s.next.StagedExits[j].Tier })
		s.add(audit.KindAdopted, TypeUnknown, "adopted broker order %s as %s exit of %d", o.OrderID, tier, o.Quantity)
	}
}

func (s *symbolPass) adoptable(o model.BrokerOrder) (model.Tier, bool) {
	p := s.next
	if p.NetQuantity == 0 || o.Side != p.Direction.ExitSide() {
		return "", false
	}
	if !o.StopPrice.IsPositive() || !o.TargetPrice.IsPositive() {
		return "", false
	}
	if o.Quantity <= 0 || o.Quantity > p.NetQuantity-p.ProtectedQuantity() {
		return "", false
	}
	for _, tier := range []model.Tier{model.TP1, model.TP2} {
		if _, taken := p.Exit(tier); !taken {
			return tier, true
		}
	}
	return "", false
}

// checkCoverage flags a position whose protection no longer matches its
// quantity.
func (s *symbolPass) checkCoverage() {
	p := s.next
	prot := p.ProtectedQuantity()
	if prot == p.NetQuantity {
		return
	}
	reason := fmt.Sprintf("protected %d != net %d", prot, p.NetQuantity)
	if p.NeedsAttention && strings.Contains(p.AttentionReason, reason) {
		return
	}
	s.add(audit.KindAttention, TypeCoverage, "exit coverage mismatch: %s", reason)
	s.flag(reason)
}
