package executor

import (
	"github.com/shopspring/decimal"

	"github.com/rjkroon/brackd/internal/domain"
	"github.com/rjkroon/brackd/internal/kraken"
)

// Instrument is the quantization profile for one pair, taken from the venue's
// AssetPairs metadata.
type Instrument struct {
	Symbol        string
	PriceDecimals int32
	QtyDecimals   int32
	OrderMin      decimal.Decimal
	CostMin       decimal.Decimal
}

func InstrumentFromPairInfo(info kraken.PairInfo) Instrument {
	return Instrument{
		Symbol:        info.Symbol,
		PriceDecimals: info.PairDecimals,
		QtyDecimals:   info.LotDecimals,
		OrderMin:      info.OrderMin,
		CostMin:       info.CostMin,
	}
}

// QuantizePrice snaps a price to the instrument tick, rounding toward safety:
// buys round down, sells round up, so the quantized order is never more
// aggressive than the caller asked for.
func QuantizePrice(price decimal.Decimal, inst Instrument, side domain.Side) decimal.Decimal {
	if side == domain.SideBuy {
		return price.RoundFloor(inst.PriceDecimals)
	}
	return price.RoundCeil(inst.PriceDecimals)
}

// QuantizeQty floors a quantity to the instrument lot step. Rounding up here
// could oversize an order, so quantities only ever shrink.
func QuantizeQty(qty decimal.Decimal, inst Instrument) decimal.Decimal {
	return qty.RoundFloor(inst.QtyDecimals)
}
