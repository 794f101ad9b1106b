package domain

// WeightedAveragePrice recomputes a running cost basis after a purchase of
// incomingWeight kg at incomingPrice. weightBefore is the stock level prior
// to the purchase being credited; the caller must apply this before the
// weight update itself.
func WeightedAveragePrice(avgBefore, weightBefore, incomingPrice, incomingWeight float64) float64 {
	if avgBefore <= 0 || weightBefore <= 0 {
		return incomingPrice
	}
	total := weightBefore + incomingWeight
	if total <= 0 {
		return incomingPrice
	}
	return (avgBefore*weightBefore + incomingPrice*incomingWeight) / total
}

// ApplyDelta mutates the item's quantity fields. Underflow clamps to zero;
// engine paths gate with explicit availability checks first, so the clamp
// only matters for externally merged state.
func (s *StockItem) ApplyDelta(weightKg float64, bags int, direction string) {
	switch direction {
	case DirectionSubtract:
		s.TotalWeightKg -= weightKg
		s.TotalBags -= bags
	default:
		s.TotalWeightKg += weightKg
		s.TotalBags += bags
	}
	s.ClampQuantities()
}

// ClampQuantities floors the quantity fields at zero. Whole-record state
// arriving from a sync client never passed the engine's availability checks,
// so it must be clamped before it is persisted.
func (s *StockItem) ClampQuantities() {
	if s.TotalWeightKg < 0 {
		s.TotalWeightKg = 0
	}
	if s.TotalBags < 0 {
		s.TotalBags = 0
	}
}

// Recompute derives totals, balance and status from the line items and
// payment state. Status is never assigned directly outside this function
// except for the terminal cancelled transition.
func (t *Transaction) Recompute() {
	var weight, amount float64
	var bags int
	for _, item := range t.Items {
		weight += item.WeightKg
		bags += item.Bags
		amount += item.TotalPrice
	}
	t.TotalWeightKg = weight
	t.TotalBags = bags
	t.TotalAmount = amount
	t.Balance = t.TotalAmount - t.PaidAmount

	if t.Status == TxStatusCancelled {
		return
	}
	switch {
	case t.Balance <= 0:
		t.Status = TxStatusCompleted
	case t.PaidAmount > 0:
		t.Status = TxStatusPartiallyPaid
	default:
		t.Status = TxStatusPending
	}
}

// RecomputeBalance derives the customer's balance from the running totals.
func (c *Customer) RecomputeBalance() {
	c.Balance = c.TotalSellAmount - c.TotalBuyAmount
}

// RecomputeYield derives wastage and the actual recovery percentage from the
// completed output fields.
func (m *MillingRecord) RecomputeYield() {
	m.WastageKg = m.InputPaddyKg - (m.OutputRiceKg + m.BrokenRiceKg + m.HuskKg)
	if m.InputPaddyKg > 0 {
		m.ActualPercent = m.OutputRiceKg / m.InputPaddyKg * 100
	}
}
