package analytics

import (
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// SimulateFill walks the side opposing an order of the given side from the
// best price outward until size is consumed or liquidity runs out. A buy
// consumes asks and a sell consumes bids.
//
// Slippage is the percentage distance of the average price from the best
// opposing price. Impact is the percentage distance of the average price from
// the mid price, and is zero when the book is one-sided.
func SimulateFill(b *domain.OrderBook, side domain.Side, size domain.Decimal) (domain.PriceImpactResult, error) {
	if !size.IsPositive() {
		return domain.PriceImpactResult{}, fmt.Errorf("analytics: %w: fill size must be positive, got %s", domain.ErrValidation, size)
	}
	if side != domain.SideBid && side != domain.SideAsk {
		return domain.PriceImpactResult{}, fmt.Errorf("analytics: %w: unknown side %q", domain.ErrValidation, side)
	}

	res := domain.PriceImpactResult{
		Side:          side,
		RequestedSize: size,
		AveragePrice:  domain.Zero,
		Impact:        domain.Zero,
		FilledSize:    domain.Zero,
		RemainingSize: size,
		Levels:        []domain.ImpactLevel{},
		Slippage:      domain.Zero,
	}

	levels := b.Levels(side.Opposite())
	cost := domain.Zero
	for _, o := range levels {
		if !res.RemainingSize.IsPositive() {
			break
		}
		take := o.Size
		if take.GreaterThan(res.RemainingSize) {
			take = res.RemainingSize
		}
		contribution := take.Mul(o.Price)
		res.Levels = append(res.Levels, domain.ImpactLevel{Price: o.Price, Size: take, Contribution: contribution})
		cost = cost.Add(contribution)
		res.FilledSize = res.FilledSize.Add(take)
		res.RemainingSize = res.RemainingSize.Sub(take)
	}
	res.CanFillCompletely = res.RemainingSize.IsZero()

	if res.FilledSize.IsZero() {
		return res, nil
	}
	res.AveragePrice = cost.Div(res.FilledSize)

	best := levels[0].Price
	res.Slippage = domain.Percent(res.AveragePrice.Sub(best).Abs(), best)
	if st := Stats(b); st != nil {
		res.Impact = domain.Percent(res.AveragePrice.Sub(st.MidPrice).Abs(), st.MidPrice)
	}
	return res, nil
}
