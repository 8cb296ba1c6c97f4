package payments

import (
	"fmt"
	"strings"

	"github.com/nightjarhq/creditd/pkg/ledger"
)

// Plan keys carried in the provider's price metadata.
const (
	planKeyTierA     = "tier_a"
	planKeyTierB     = "tier_b"
	planKeyUnlimited = "unlimited"

	monthlyQuotaTierA ledger.Credits = 10
	monthlyQuotaTierB ledger.Credits = 25
)

// ErrPlanNotMapped indicates a subscription notification referenced a plan
// key outside the fixed table; the notification is acknowledged and skipped.
var ErrPlanNotMapped = fmt.Errorf("plan not mapped")

type planSpec struct {
	plan      ledger.Plan
	quota     ledger.Credits
	unlimited bool
}

var planTable = map[string]planSpec{
	planKeyTierA:     {plan: ledger.PlanTierA, quota: monthlyQuotaTierA},
	planKeyTierB:     {plan: ledger.PlanTierB, quota: monthlyQuotaTierB},
	planKeyUnlimited: {plan: ledger.PlanUnlimited, unlimited: true},
}

func resolvePlan(planKey string) (planSpec, error) {
	spec, ok := planTable[strings.ToLower(strings.TrimSpace(planKey))]
	if !ok {
		return planSpec{}, fmt.Errorf("%w: %q", ErrPlanNotMapped, planKey)
	}
	return spec, nil
}
