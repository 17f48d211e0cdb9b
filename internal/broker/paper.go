package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// Paper is the in-process broker used for dry-run mode and tests. Orders
// fill immediately at the configured mark price, ids are generated locally,
// and submissions flow through a rate limiter the way a live transport would.
type Paper struct {
	limiter *rate.Limiter
	log     observability.Logger

	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	bars      map[string][]Bar
	positions map[string]Position
	submitted []schema.OrderSpec
	failNext  map[string]error
	equity    decimal.Decimal
}

// NewPaper builds a paper broker submitting at most ratePerSec orders per
// second. A non-positive rate disables throttling.
func NewPaper(ratePerSec float64, equity decimal.Decimal, logger observability.Logger) *Paper {
	if logger == nil {
		logger = observability.Log()
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Paper{
		limiter:   rate.NewLimiter(limit, 1),
		log:       logger,
		marks:     make(map[string]decimal.Decimal),
		bars:      make(map[string][]Bar),
		positions: make(map[string]Position),
		failNext:  make(map[string]error),
		equity:    equity,
	}
}

// SetMark fixes the fill price for a symbol.
func (p *Paper) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

// SetBars installs the bar history served for a symbol, oldest first.
func (p *Paper) SetBars(symbol string, bars []Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[symbol] = bars
}

// FailNext makes the next submission for the symbol return err.
func (p *Paper) FailNext(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[symbol] = err
}

// Submitted returns a copy of every accepted order, in acceptance order.
func (p *Paper) Submitted() []schema.OrderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.OrderSpec(nil), p.submitted...)
}

// SubmitOrder fills the order at the symbol's mark price.
func (p *Paper) SubmitOrder(ctx context.Context, spec schema.OrderSpec) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", errs.New("broker/submit", errs.CodeSubmission,
			errs.WithSymbol(spec.Symbol), errs.WithCause(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failNext[spec.Symbol]; ok {
		delete(p.failNext, spec.Symbol)
		return "", errs.New("broker/submit", errs.CodeSubmission,
			errs.WithSymbol(spec.Symbol), errs.WithCause(err))
	}

	mark, ok := p.marks[spec.Symbol]
	if !ok && spec.LimitPrice != nil {
		mark = *spec.LimitPrice
	}

	pos := p.positions[spec.Symbol]
	pos.Symbol = spec.Symbol
	switch spec.Side {
	case schema.SideBuy:
		total := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Qty)).Add(mark.Mul(decimal.NewFromInt(spec.Qty)))
		pos.Qty += spec.Qty
		if pos.Qty > 0 {
			pos.AvgPrice = total.Div(decimal.NewFromInt(pos.Qty))
		}
	case schema.SideSell:
		pos.Qty -= spec.Qty
	}
	if pos.Qty == 0 {
		delete(p.positions, spec.Symbol)
	} else {
		p.positions[spec.Symbol] = pos
	}

	p.submitted = append(p.submitted, spec)
	id := uuid.NewString()
	p.log.Debug("paper order filled",
		observability.F("symbol", spec.Symbol),
		observability.F("side", spec.Side),
		observability.F("qty", spec.Qty),
		observability.F("order_id", id))
	return id, nil
}

// Positions returns the broker-side holdings, unordered.
func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// Account reports the configured equity with full buying power.
func (p *Paper) Account(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Account{Equity: p.equity, BuyingPower: p.equity}, nil
}

// LastTwoClosedBars returns the final two installed bars.
func (p *Paper) LastTwoClosedBars(ctx context.Context, symbol string) ([]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := p.bars[symbol]
	if len(bars) < 2 {
		return nil, errs.New("broker/bars", errs.CodeNotFound,
			errs.WithSymbol(symbol), errs.WithMessage("insufficient bar history"))
	}
	return append([]Bar(nil), bars[len(bars)-2:]...), nil
}

// DailyBars returns up to lookback installed bars, oldest first.
func (p *Paper) DailyBars(ctx context.Context, symbol string, lookback int) ([]Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := p.bars[symbol]
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return append([]Bar(nil), bars...), nil
}

var _ Client = (*Paper)(nil)
