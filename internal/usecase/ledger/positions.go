package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
	"github.com/quantfolio/quantfolio-backend/internal/metrics"
)

// CreatePositionOpts tunes a single position write.
type CreatePositionOpts struct {
	// Overwrite replaces an existing position at exactly the same
	// timestamp instead of failing.
	Overwrite bool

	// SuppressReserve skips the equal-and-opposite reserve booking.
	SuppressReserve bool

	// SuppressRollUp skips ancestor aggregation and carry realization.
	// Used by internal two-step flows that roll up themselves.
	SuppressRollUp bool
}

// CreatePosition books an absolute unit in an instrument at the given
// timestamp. The unit must be finite and the timestamp must not
// precede the watermark. For strategy instruments the unit collapses
// to a 0/1 indicator and executionLevel carries the notional
// transferred; for everything else executionLevel is the trade price.
//
// Unless suppressed, a total-return trade books an equal-and-opposite
// reserve adjustment so the write is value-neutral, and the unit delta
// rolls up to every ancestor's aggregated table.
func (p *Portfolio) CreatePosition(ctx context.Context, instrumentID int64, timestamp time.Time, unit, executionLevel float64, opts CreatePositionOpts) (domain.Position, error) {
	if math.IsNaN(unit) || math.IsInf(unit, 0) {
		return domain.Position{}, fmt.Errorf("create position %d/%d: unit %v: %w", p.id, instrumentID, unit, domain.ErrInvalidQuantity)
	}
	if math.IsNaN(executionLevel) || math.IsInf(executionLevel, 0) {
		return domain.Position{}, fmt.Errorf("create position %d/%d: level %v: %w", p.id, instrumentID, executionLevel, domain.ErrInvalidQuantity)
	}
	meta, ok := p.instrumentMeta(instrumentID)
	if !ok {
		return domain.Position{}, fmt.Errorf("create position: unknown instrument %d", instrumentID)
	}

	isStrategy := meta.IsStrategy()

	// Carry accrues on the holding as it stood before this write.
	if !opts.SuppressRollUp {
		p.realizeCarryTree(ctx, instrumentID, timestamp)
	}

	p.mu.Lock()
	if timestamp.Before(p.lastTimestamp) {
		last := p.lastTimestamp
		p.mu.Unlock()
		return domain.Position{}, fmt.Errorf("create position %d/%d at %s, watermark %s: %w",
			p.id, instrumentID, timestamp.UTC(), last.UTC(), domain.ErrTemporalOrderViolation)
	}

	prev, hadPrev := p.latestPositionLocked(p.positions, instrumentID, timestamp)

	newUnit := domain.SnapUnit(decimal.NewFromFloat(unit))
	if isStrategy {
		if newUnit.IsZero() {
			newUnit = decimal.Zero
		} else {
			newUnit = decimal.NewFromInt(1)
		}
	}
	unitDelta := newUnit.Sub(prev.Unit)

	var strikeDelta decimal.Decimal
	if isStrategy {
		strikeDelta = decimal.NewFromFloat(executionLevel)
	} else {
		strikeDelta = unitDelta.Mul(decimal.NewFromFloat(executionLevel))
	}
	newStrike := prev.Strike.Add(strikeDelta)

	var reserveDelta decimal.Decimal
	if !opts.SuppressReserve && !meta.IsCash() {
		switch {
		case isStrategy:
			reserveDelta = strikeDelta.Neg()
		case meta.Funding == domain.FundingExcessReturn:
			// Margin instruments carry no cash outlay at trade time.
		default:
			reserveDelta = strikeDelta.Neg()
		}
	}
	// Anything that can still fail is checked before the insert so a
	// rejected write never leaves the local and aggregated tables out
	// of step.
	if !reserveDelta.IsZero() {
		if _, ok := p.reserves[meta.Currency]; !ok {
			p.mu.Unlock()
			return domain.Position{}, fmt.Errorf("create position %d/%d: no reserve for currency %s",
				p.id, instrumentID, meta.Currency)
		}
	}

	pos := domain.Position{
		PortfolioID:            p.id,
		InstrumentID:           instrumentID,
		Unit:                   newUnit,
		Timestamp:              timestamp,
		Strike:                 newStrike,
		StrikeTimestamp:        timestamp,
		InitialStrike:          prev.InitialStrike,
		InitialStrikeTimestamp: prev.InitialStrikeTimestamp,
	}
	if !hadPrev {
		pos.InitialStrike = newStrike
		pos.InitialStrikeTimestamp = timestamp
	}

	if err := p.insertPositionLocked(p.positions, pos, opts.Overwrite); err != nil {
		p.mu.Unlock()
		return domain.Position{}, err
	}
	p.advanceWatermarkLocked(timestamp)
	store, log := p.store, p.log
	p.mu.Unlock()

	if store != nil {
		if err := store.SaveNewPositions(ctx, []domain.Position{pos}); err != nil {
			log.Warn("persist position failed", zap.Int64("portfolio", p.id),
				zap.Int64("instrument", instrumentID), zap.Error(err))
		}
	}

	if !opts.SuppressRollUp {
		p.updateAggregatedPositionTree(ctx, instrumentID, timestamp, unitDelta, strikeDelta)
	}
	if !reserveDelta.IsZero() {
		if err := p.UpdateReservePosition(ctx, timestamp, reserveDelta, meta.Currency); err != nil {
			return domain.Position{}, fmt.Errorf("reserve booking: %w", err)
		}
	}
	metrics.PositionsCreated.Inc()
	return pos, nil
}

// FindPosition returns the position written at exactly the given
// timestamp. Zero-unit positions read as absent.
func (p *Portfolio) FindPosition(instrumentID int64, timestamp time.Time, aggregated bool) (domain.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.positions
	if aggregated {
		table = p.aggregated
	}
	for _, pos := range table[instrumentID] {
		if pos.Timestamp.Equal(timestamp) {
			if pos.IsZero() {
				return domain.Position{}, false
			}
			return pos, true
		}
	}
	return domain.Position{}, false
}

// FindLatestPosition returns the most recent position at or before the
// given timestamp. Zero-unit positions read as absent.
func (p *Portfolio) FindLatestPosition(instrumentID int64, timestamp time.Time, aggregated bool) (domain.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.positions
	if aggregated {
		table = p.aggregated
	}
	pos, ok := p.latestPositionLocked(table, instrumentID, timestamp)
	if !ok || pos.IsZero() {
		return domain.Position{}, false
	}
	return pos, true
}

// Positions returns all non-zero positions at the floor date, local or
// aggregated.
func (p *Portfolio) Positions(timestamp time.Time, aggregated bool) []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.positions
	if aggregated {
		table = p.aggregated
	}
	out := make([]domain.Position, 0, len(table))
	for id := range table {
		pos, ok := p.latestPositionLocked(table, id, timestamp)
		if ok && !pos.IsZero() {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// VirtualPositions merges booked positions with open orders, giving the
// book as it will stand once every pending order fills at its ordered
// unit.
func (p *Portfolio) VirtualPositions(timestamp time.Time, aggregated bool) []domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	table := p.positions
	orders := p.orders
	if aggregated {
		table = p.aggregated
		orders = p.aggOrders
	}

	units := make(map[int64]domain.Position)
	for id := range table {
		pos, ok := p.latestPositionLocked(table, id, timestamp)
		if ok {
			units[id] = pos
		}
	}
	for _, o := range orders {
		if !o.IsOpen() || o.OrderDate.After(domain.Day(timestamp)) {
			continue
		}
		pos := units[o.InstrumentID]
		pos.PortfolioID = p.id
		pos.InstrumentID = o.InstrumentID
		pos.Aggregated = aggregated
		pos.Unit = pos.Unit.Add(o.Unit)
		units[o.InstrumentID] = pos
	}

	out := make([]domain.Position, 0, len(units))
	for _, pos := range units {
		pos.Unit = domain.SnapUnit(pos.Unit)
		if !pos.Unit.IsZero() {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// latestPositionLocked is the floor lookup shared by both families.
// Requires p.mu held.
func (p *Portfolio) latestPositionLocked(table map[int64][]domain.Position, instrumentID int64, timestamp time.Time) (domain.Position, bool) {
	seq := table[instrumentID]
	i := sort.Search(len(seq), func(i int) bool { return seq[i].Timestamp.After(timestamp) })
	if i == 0 {
		return domain.Position{
			PortfolioID:  p.id,
			InstrumentID: instrumentID,
			Unit:         decimal.Zero,
			Strike:       decimal.Zero,
		}, false
	}
	return seq[i-1], true
}

// insertPositionLocked appends or replaces a position keeping the
// sequence sorted and unique per timestamp. Requires p.mu held.
func (p *Portfolio) insertPositionLocked(table map[int64][]domain.Position, pos domain.Position, overwrite bool) error {
	seq := table[pos.InstrumentID]
	i := sort.Search(len(seq), func(i int) bool { return !seq[i].Timestamp.Before(pos.Timestamp) })
	if i < len(seq) && seq[i].Timestamp.Equal(pos.Timestamp) {
		if !overwrite {
			return fmt.Errorf("position %d/%d already exists at %s",
				pos.PortfolioID, pos.InstrumentID, pos.Timestamp.UTC())
		}
		seq[i] = pos
		table[pos.InstrumentID] = seq
		return nil
	}
	seq = append(seq, domain.Position{})
	copy(seq[i+1:], seq[i:])
	seq[i] = pos
	table[pos.InstrumentID] = seq
	return nil
}

// advanceWatermarkLocked moves the write watermarks forward. Requires
// p.mu held.
func (p *Portfolio) advanceWatermarkLocked(timestamp time.Time) {
	if p.firstTimestamp.IsZero() || timestamp.Before(p.firstTimestamp) {
		p.firstTimestamp = timestamp
	}
	if timestamp.After(p.lastTimestamp) {
		p.lastTimestamp = timestamp
	}
}
