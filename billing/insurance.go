package billing

import (
	"github.com/shopspring/decimal"

	"github.com/enamel/clinic-core/clinic"
)

// =============================================================================
// INSURANCE ALLOCATION - Splits a discount across a patient's policies
// =============================================================================

// PolicyUsage pairs a policy with how much of its annual cap is already
// consumed this coverage year.
type PolicyUsage struct {
	Policy       clinic.InsurancePolicy
	UsedThisYear decimal.Decimal
}

// PolicyGrant is the discount granted by one policy for one invoice.
// Granted amounts become insurance usage rows, so the sum of grants
// always equals the invoice's insurance discount.
type PolicyGrant struct {
	Policy  clinic.InsurancePolicy
	Granted decimal.Decimal
}

// InsuranceAllocation is the result of splitting a covered base across
// policies.
type InsuranceAllocation struct {
	Total  decimal.Decimal
	Grants []PolicyGrant
}

// AllocateInsurance computes the insurance discount for one invoice.
//
// Policies contribute in the given order (highest coverage first, as the
// store returns them). Each contributes
//
//	min(coverage% x base, remaining annual cap)
//
// where a per-policy deductible reduces that policy's covered base. The
// running total never exceeds the subtotal: once the ceiling is reached,
// later policies contribute the remainder or nothing. Two policies at 80%
// and 50% of a 1000 subtotal therefore grant 800 and 200, not 800 and 500.
func AllocateInsurance(base decimal.Decimal, policies []PolicyUsage) InsuranceAllocation {
	alloc := InsuranceAllocation{Total: decimal.Zero}
	if !base.IsPositive() {
		return alloc
	}

	ceiling := base
	for _, pu := range policies {
		if !ceiling.IsPositive() {
			break
		}

		covered := clinic.FloorZero(base.Sub(pu.Policy.Deductible))
		raw := clinic.RoundCents(clinic.PercentOf(covered, pu.Policy.CoveragePercentage))

		capRemaining := clinic.FloorZero(pu.Policy.MaxAnnualCoverage.Sub(pu.UsedThisYear))
		if raw.GreaterThan(capRemaining) {
			raw = capRemaining
		}
		if raw.GreaterThan(ceiling) {
			raw = ceiling
		}
		if !raw.IsPositive() {
			continue
		}

		alloc.Grants = append(alloc.Grants, PolicyGrant{Policy: pu.Policy, Granted: raw})
		alloc.Total = alloc.Total.Add(raw)
		ceiling = ceiling.Sub(raw)
	}
	return alloc
}
