package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exitengine/internal/model"
)

// Fill is a simulated execution at the paper broker.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Slippage  decimal.Decimal `json:"slippage"`
	ClientTag string          `json:"client_tag"`
	FilledAt  time.Time       `json:"filled_at"`
}

// QueryPositions keys FailNext errors for OpenPositions.
const QueryPositions model.OrderKind = "POSITIONS"

// PaperBroker simulates a futures broker in memory. Market orders fill
// immediately at the mark price; brackets rest until FillOrder triggers them
// or they are canceled. Errors can be injected per order kind.
type PaperBroker struct {
	mu        sync.Mutex
	log       *zap.Logger
	orderSeq  int64
	positions map[string]int64
	avgPrice  map[string]decimal.Decimal
	marks     map[string]decimal.Decimal
	working   map[string]model.BrokerOrder
	filled    map[string]model.BrokerOrder
	byTag     map[string]model.Ack
	fills     []Fill
	placed    []model.OrderIntent
	cancels   []string
	failures  map[model.OrderKind][]error

	// slippageBps is applied against the mark price on market fills.
	slippageBps int64
}

// NewPaperBroker creates a paper broker.
func NewPaperBroker(slippageBps int64, log *zap.Logger) *PaperBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaperBroker{
		log:         log.Named("paper"),
		positions:   make(map[string]int64),
		avgPrice:    make(map[string]decimal.Decimal),
		marks:       make(map[string]decimal.Decimal),
		working:     make(map[string]model.BrokerOrder),
		filled:      make(map[string]model.BrokerOrder),
		byTag:       make(map[string]model.Ack),
		failures:    make(map[model.OrderKind][]error),
		slippageBps: slippageBps,
	}
}

// SetMark sets the price market orders for symbol fill at.
func (p *PaperBroker) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

// FailNext queues errors returned by the next calls for kind. Use
// model.KindCancel for cancels.
func (p *PaperBroker) FailNext(kind model.OrderKind, errs ...error) {
	p.mu.Lock()
	p.failures[kind] = append(p.failures[kind], errs...)
	p.mu.Unlock()
}

func (p *PaperBroker) popFailure(kind model.OrderKind) error {
	q := p.failures[kind]
	if len(q) == 0 {
		return nil
	}
	p.failures[kind] = q[1:]
	return q[0]
}

// PlaceOrder implements model.Broker. A repeated client tag returns the
// original ack, like a broker honoring client order ids.
func (p *PaperBroker) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Ack, error) {
	if err := ctx.Err(); err != nil {
		return model.Ack{}, fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.popFailure(intent.Kind); err != nil {
		return model.Ack{}, err
	}
	if intent.Quantity <= 0 {
		return model.Ack{}, fmt.Errorf("%w: quantity %d", model.ErrBrokerRejected, intent.Quantity)
	}
	if ack, ok := p.byTag[intent.IntentID]; ok {
		return ack, nil
	}
	p.placed = append(p.placed, intent)

	p.orderSeq++
	order := model.BrokerOrder{
		OrderID:     fmt.Sprintf("PAPER-%d", p.orderSeq),
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Kind:        intent.Kind,
		Quantity:    intent.Quantity,
		StopPrice:   intent.StopPrice,
		TargetPrice: intent.LimitPrice,
		ClientTag:   intent.IntentID,
	}

	var ack model.Ack
	switch intent.Kind {
	case model.KindMarket:
		price := p.marks[intent.Symbol]
		slip := price.Mul(decimal.NewFromInt(p.slippageBps)).Div(decimal.NewFromInt(10000))
		if intent.Side == model.Buy {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
		p.fill(order, price, slip)
		ack = model.Ack{IntentID: intent.IntentID, BrokerOrderID: order.OrderID, State: model.IntentFilled,
			FilledQuantity: intent.Quantity, Message: "paper filled at " + price.String(), At: time.Now()}
	case model.KindBracket, model.KindStop, model.KindLimit:
		p.working[order.OrderID] = order
		ack = model.Ack{IntentID: intent.IntentID, BrokerOrderID: order.OrderID, State: model.IntentAcknowledged, At: time.Now()}
	default:
		return model.Ack{}, fmt.Errorf("%w: unsupported kind %s", model.ErrBrokerRejected, intent.Kind)
	}
	p.byTag[intent.IntentID] = ack

	p.log.Debug("order",
		zap.String("order", order.OrderID), zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)), zap.String("kind", string(order.Kind)),
		zap.Int64("qty", order.Quantity), zap.String("state", string(ack.State)))
	return ack, nil
}

// CancelOrder implements model.Broker.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) (model.Ack, error) {
	if err := ctx.Err(); err != nil {
		return model.Ack{}, fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.popFailure(model.KindCancel); err != nil {
		return model.Ack{}, err
	}
	p.cancels = append(p.cancels, orderID)
	if o, ok := p.filled[orderID]; ok {
		return model.Ack{BrokerOrderID: orderID, State: model.IntentFilled, FilledQuantity: o.Quantity,
			Message: "order already filled", At: time.Now()}, nil
	}
	if _, ok := p.working[orderID]; !ok {
		return model.Ack{}, fmt.Errorf("%w: order %s: %v", model.ErrBrokerRejected, orderID, model.ErrNotFound)
	}
	delete(p.working, orderID)
	return model.Ack{BrokerOrderID: orderID, State: model.IntentCanceled, At: time.Now()}, nil
}

// FillOrder triggers a working order, as if its stop or target traded.
func (p *PaperBroker) FillOrder(orderID string, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.working[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, model.ErrNotFound)
	}
	delete(p.working, orderID)
	p.fill(o, price, decimal.Zero)
	return nil
}

// fill must be called with p.mu held.
func (p *PaperBroker) fill(o model.BrokerOrder, price, slip decimal.Decimal) {
	signed := o.Quantity
	if o.Side == model.Sell {
		signed = -signed
	}
	prev := p.positions[o.Symbol]
	next := prev + signed
	switch {
	case next == 0:
		delete(p.avgPrice, o.Symbol)
	case prev == 0 || (prev > 0) != (next > 0):
		p.avgPrice[o.Symbol] = price
	case (prev > 0) == (signed > 0):
		// adding: weighted average
		total := decimal.NewFromInt(abs(prev) + abs(signed))
		p.avgPrice[o.Symbol] = p.avgPrice[o.Symbol].Mul(decimal.NewFromInt(abs(prev))).
			Add(price.Mul(decimal.NewFromInt(abs(signed)))).Div(total)
	}
	p.positions[o.Symbol] = next
	p.filled[o.OrderID] = o
	p.fills = append(p.fills, Fill{
		OrderID: o.OrderID, Symbol: o.Symbol, Side: o.Side, Quantity: o.Quantity,
		Price: price, Slippage: slip, ClientTag: o.ClientTag, FilledAt: time.Now(),
	})
}

// OpenPositions implements model.Broker.
func (p *PaperBroker) OpenPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(QueryPositions); err != nil {
		return nil, err
	}
	out := make([]model.BrokerPosition, 0, len(p.positions))
	for sym, q := range p.positions {
		if q == 0 {
			continue
		}
		out = append(out, model.BrokerPosition{Symbol: sym, NetQuantity: q, AvgPrice: p.avgPrice[sym]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// OpenOrders implements model.Broker.
func (p *PaperBroker) OpenOrders(ctx context.Context) ([]model.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.BrokerOrder, 0, len(p.working))
	for _, o := range p.working {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// SetPosition overrides the broker's net position, simulating activity
// outside the engine.
func (p *PaperBroker) SetPosition(symbol string, net int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if net == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = net
}

// AddWorkingOrder injects a working order the engine did not place.
func (p *PaperBroker) AddWorkingOrder(o model.BrokerOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.OrderID == "" {
		p.orderSeq++
		o.OrderID = fmt.Sprintf("PAPER-%d", p.orderSeq)
	}
	p.working[o.OrderID] = o
}

// DropOrder removes a working order without a fill, as if it were canceled
// outside the engine.
func (p *PaperBroker) DropOrder(orderID string) {
	p.mu.Lock()
	delete(p.working, orderID)
	p.mu.Unlock()
}

// Placed returns every order intent accepted by PlaceOrder, in order.
func (p *PaperBroker) Placed() []model.OrderIntent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.OrderIntent(nil), p.placed...)
}

// Cancels returns every order id passed to CancelOrder.
func (p *PaperBroker) Cancels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancels...)
}

// Fills returns a snapshot of all fills.
func (p *PaperBroker) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

// Position returns the broker's signed net quantity for symbol.
func (p *PaperBroker) Position(symbol string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[symbol]
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
