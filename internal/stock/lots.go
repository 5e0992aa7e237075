package stock

import "sort"

// The allocation engine decides which dated lots satisfy a quantity
// change. All functions are pure: inputs are never mutated and failures
// leave no partial result.

func sumLots(lots []Lot) int64 {
	var total int64
	for _, lot := range lots {
		total += lot.Qty
	}
	return total
}

func sortLots(lots []Lot) {
	sort.Slice(lots, func(i, j int) bool { return lots[i].Date < lots[j].Date })
}

func cloneLots(lots []Lot) []Lot {
	out := make([]Lot, len(lots))
	copy(out, lots)
	return out
}

// consumeFIFO takes qty from the oldest-dated lots first. A fully drained
// lot is removed; a partially drained lot keeps the remainder. When the
// total on hand is short, nothing is consumed and the shortfall is reported.
func consumeFIFO(lots []Lot, qty int64) (remaining, consumed []Lot, err error) {
	available := sumLots(lots)
	if available < qty {
		return nil, nil, &InsufficientStockError{Requested: qty, Available: available}
	}
	ordered := cloneLots(lots)
	sortLots(ordered)
	remaining = make([]Lot, 0, len(ordered))
	consumed = make([]Lot, 0, len(ordered))
	left := qty
	for _, lot := range ordered {
		if left == 0 {
			remaining = append(remaining, lot)
			continue
		}
		take := lot.Qty
		if take > left {
			take = left
		}
		consumed = append(consumed, Lot{Date: lot.Date, Qty: take})
		if kept := lot.Qty - take; kept > 0 {
			remaining = append(remaining, Lot{Date: lot.Date, Qty: kept})
		}
		left -= take
	}
	return remaining, consumed, nil
}

// consumeExplicit takes exactly the requested quantities from the named
// lot dates. Every named lot must exist with at least the requested
// quantity; the first shortfall aborts with the offending date.
func consumeExplicit(lots []Lot, requests []Lot) (remaining, consumed []Lot, err error) {
	index := make(map[int64]int64, len(lots))
	for _, lot := range lots {
		index[lot.Date] += lot.Qty
	}
	consumed = make([]Lot, 0, len(requests))
	for _, req := range requests {
		have, ok := index[req.Date]
		if !ok || have < req.Qty {
			return nil, nil, &InsufficientLotError{Date: req.Date, Requested: req.Qty, Available: have}
		}
		index[req.Date] = have - req.Qty
		consumed = append(consumed, Lot{Date: req.Date, Qty: req.Qty})
	}
	remaining = make([]Lot, 0, len(index))
	for date, qty := range index {
		if qty > 0 {
			remaining = append(remaining, Lot{Date: date, Qty: qty})
		}
	}
	sortLots(remaining)
	return remaining, consumed, nil
}

// mergeLots folds incoming lots into existing ones: same-date quantities
// are summed, new dates appended, and the result is sorted ascending so a
// lot date never appears twice in a record.
func mergeLots(existing, incoming []Lot) []Lot {
	index := make(map[int64]int64, len(existing)+len(incoming))
	for _, lot := range existing {
		index[lot.Date] += lot.Qty
	}
	for _, lot := range incoming {
		index[lot.Date] += lot.Qty
	}
	merged := make([]Lot, 0, len(index))
	for date, qty := range index {
		if qty > 0 {
			merged = append(merged, Lot{Date: date, Qty: qty})
		}
	}
	sortLots(merged)
	return merged
}

// normalizeLots collapses duplicate dates in caller-supplied input and
// returns the canonical ascending form the ledger stores.
func normalizeLots(lots []Lot) []Lot {
	return mergeLots(nil, lots)
}
