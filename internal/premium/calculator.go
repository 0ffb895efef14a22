// Package premium implements the Premium Calculator (spec section 4.3): the
// scalar entry/exit premium formulas, and a batch form over parallel slices
// that must agree with the scalar form to within 1 ULP of double
// arithmetic (spec section 8 invariant 5). The scalar form is authoritative;
// the batch form is a performance optimization for the dashboard exporter,
// not a separate definition (spec section 9, "SIMD premium").
package premium

// EntryPremium computes the premium using the adversarial sides for a
// buyer: pay the Korean ask, receive the foreign bid translated through the
// USDT/KRW rate. Returns 0 if any input is non-positive.
//
// entry_premium = ((korean_ask - foreign_bid*usdt_rate) / (foreign_bid*usdt_rate)) * 100
func EntryPremium(koreanAsk, foreignBid, usdtRate float64) float64 {
	if koreanAsk <= 0 || foreignBid <= 0 || usdtRate <= 0 {
		return 0
	}
	foreignKRW := foreignBid * usdtRate
	return (koreanAsk - foreignKRW) / foreignKRW * 100
}

// ExitPremium computes the premium using the adversarial sides for a
// seller: sell at the Korean bid, cover at the foreign ask. Returns 0 if any
// input is non-positive.
func ExitPremium(koreanBid, foreignAsk, usdtRate float64) float64 {
	if koreanBid <= 0 || foreignAsk <= 0 || usdtRate <= 0 {
		return 0
	}
	foreignKRW := foreignAsk * usdtRate
	return (koreanBid - foreignKRW) / foreignKRW * 100
}

// EntryPremiumBatch writes EntryPremium(koreanAsk[i], foreignBid[i],
// usdtRate[i]) into out[i] for every i. All three input slices and out must
// have equal length; this is a plain loop (Go has no portable SIMD without
// assembly) but is written so the compiler can auto-vectorize it: no
// branches escape per-element beyond the same guard the scalar form applies,
// and there is no shared mutable state across iterations.
func EntryPremiumBatch(koreanAsk, foreignBid, usdtRate []float64, out []float64) {
	n := len(koreanAsk)
	for i := 0; i < n; i++ {
		out[i] = EntryPremium(koreanAsk[i], foreignBid[i], usdtRate[i])
	}
}

// ExitPremiumBatch is the batch form of ExitPremium.
func ExitPremiumBatch(koreanBid, foreignAsk, usdtRate []float64, out []float64) {
	n := len(koreanBid)
	for i := 0; i < n; i++ {
		out[i] = ExitPremium(koreanBid[i], foreignAsk[i], usdtRate[i])
	}
}

// DynamicExitThreshold computes the break-even-plus-target exit threshold
// for a position entered at entryPremium, per spec section 4.3:
// max(entryPremium + dynamicSpread, exitFloor).
func DynamicExitThreshold(entryPremium, dynamicSpread, exitFloor float64) float64 {
	threshold := entryPremium + dynamicSpread
	if threshold < exitFloor {
		return exitFloor
	}
	return threshold
}
