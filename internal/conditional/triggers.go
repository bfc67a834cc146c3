package conditional

import (
	"github.com/fluxtrade/execore/internal/schema"
)

// Trigger evaluates whether an order should fire against a top-of-book
// snapshot. Resting orders cross the opposing side of the book, so buy
// predicates read the ask and sell predicates read the bid. The interface is
// closed: only the trigger set in this package can implement it.
type Trigger interface {
	// Evaluate may advance persisted trailing state on the order; callers
	// must re-save the order when it reports stateChanged.
	Evaluate(order *schema.Order, book schema.BookState) (triggered, stateChanged bool)

	kind() schema.Kind
}

// triggerFor returns the trigger implementation for an order kind.
func triggerFor(kind schema.Kind) (Trigger, bool) {
	switch kind {
	case schema.KindLimit:
		return limitTrigger{}, true
	case schema.KindStopLoss:
		return stopLossTrigger{}, true
	case schema.KindTakeProfit:
		return takeProfitTrigger{}, true
	case schema.KindTrailingStop:
		return trailingStopTrigger{}, true
	default:
		return nil, false
	}
}

type limitTrigger struct{}

func (limitTrigger) kind() schema.Kind { return schema.KindLimit }

func (limitTrigger) Evaluate(order *schema.Order, book schema.BookState) (bool, bool) {
	if order.Side == schema.SideBuy {
		return book.BestAsk > 0 && book.BestAsk <= order.Price, false
	}
	return book.BestBid > 0 && book.BestBid >= order.Price, false
}

type stopLossTrigger struct{}

func (stopLossTrigger) kind() schema.Kind { return schema.KindStopLoss }

func (stopLossTrigger) Evaluate(order *schema.Order, book schema.BookState) (bool, bool) {
	if order.Side == schema.SideSell {
		return book.BestBid > 0 && book.BestBid <= order.StopPrice, false
	}
	// Buy-side stop protects a short position: fires when the ask runs up
	// through the stop.
	return book.BestAsk > 0 && book.BestAsk >= order.StopPrice, false
}

type takeProfitTrigger struct{}

func (takeProfitTrigger) kind() schema.Kind { return schema.KindTakeProfit }

func (takeProfitTrigger) Evaluate(order *schema.Order, book schema.BookState) (bool, bool) {
	if order.Side == schema.SideSell {
		return book.BestBid > 0 && book.BestBid >= order.Price, false
	}
	return book.BestAsk > 0 && book.BestAsk <= order.Price, false
}

type trailingStopTrigger struct{}

func (trailingStopTrigger) kind() schema.Kind { return schema.KindTrailingStop }

// Evaluate maintains the sell-side high-water mark: the mark only advances,
// and the stop fires once the bid retraces trailing_percent below it. The
// mark lives on the order so a restart resumes trailing where it left off.
func (trailingStopTrigger) Evaluate(order *schema.Order, book schema.BookState) (bool, bool) {
	bid := book.BestBid
	if bid <= 0 {
		return false, false
	}
	changed := false
	if bid > order.HighWaterMark {
		order.HighWaterMark = bid
		changed = true
	}
	stop := order.HighWaterMark * (1 - order.TrailingPercent/100)
	return bid <= stop, changed
}
