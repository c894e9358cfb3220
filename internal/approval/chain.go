package approval

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
)

// Plan is a chain before it is persisted.
type Plan struct {
	Steps     []Step
	FastTrack bool
	Replaced  []Step
}

// ChainInput carries what chain construction reads.
type ChainInput struct {
	Total      decimal.Decimal
	Department string
	Category   string
	FraudScore float64
	Recurring  recurring.Check
}

// BuildChain selects the matrix rules covering the invoice, keeps the most
// specific rule per step order and orders the steps. An empty selection yields
// the default step. Recurring fast-track collapses the chain to its first
// role. A critical fraud score always makes the first step dual-authorised.
func BuildChain(rules []Rule, in ChainInput, policy Policy) Plan {
	best := make(map[int]Rule)
	for _, rule := range rules {
		if !rule.Covers(in.Total, in.Department, in.Category) {
			continue
		}
		cur, ok := best[rule.StepOrder]
		if !ok || moreSpecific(rule, cur) {
			best[rule.StepOrder] = rule
		}
	}
	orders := make([]int, 0, len(best))
	for order := range best {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	var plan Plan
	for i, order := range orders {
		rule := best[order]
		id := rule.ID
		step := Step{Sequence: i + 1, Role: rule.ApproverRole, RequiredCount: 1, Source: SourceMatrix, RuleID: &id}
		if rule.DualAuth {
			step.RequiredCount = 2
		}
		plan.Steps = append(plan.Steps, step)
	}
	if len(plan.Steps) == 0 {
		plan.Steps = []Step{{Sequence: 1, Role: policy.DefaultRole, RequiredCount: 1, Source: SourceDefault}}
	}

	if in.Recurring.IsRecurring && in.Recurring.FastTrack && in.FraudScore < policy.ReportScore {
		plan.FastTrack = true
		plan.Replaced = plan.Steps
		plan.Steps = []Step{{Sequence: 1, Role: plan.Replaced[0].Role, RequiredCount: 1, Source: SourceFastTrack}}
	}

	if in.FraudScore >= policy.CriticalScore {
		plan.Steps[0].RequiredCount = 2
	}
	return plan
}

func moreSpecific(a, b Rule) bool {
	if sa, sb := a.specificity(), b.specificity(); sa != sb {
		return sa > sb
	}
	if wa, wb := bandWidth(a), bandWidth(b); wa != nil && wb != nil && !wa.Equal(*wb) {
		return wa.LessThan(*wb)
	}
	return a.ID.String() < b.ID.String()
}

func bandWidth(r Rule) *decimal.Decimal {
	if r.MinAmount == nil || r.MaxAmount == nil {
		return nil
	}
	w := r.MaxAmount.Sub(*r.MinAmount)
	return &w
}
