// Package pricing maps actions to credit costs.
//
// Every amount is an integer number of minor currency units (cents). The
// package is pure: no I/O, no clocks, no floating point.
package pricing

import (
	"fmt"

	"github.com/lightwheel10/linkedin-post-to-leads-sub000/internal/domain"
)

// Rates are the per-action prices.
type Rates struct {
	PostAnalysisBase  int64
	PerReaction       int64
	PerComment        int64
	ProfileEnrichment int64
	EmailLookup       int64
	AISearch          int64
	Monitoring        int64
}

// Limits are a plan's allocation and caps.
type Limits struct {
	// Allocation is the wallet grant per billing cycle (metered plans).
	Allocation int64
	// Caps on the variable quantities of a single post analysis.
	MaxReactionsPerPost int64
	MaxCommentsPerPost  int64
	// Monthly allowances for the non-metered tier.
	FreeAnalyses    int64
	FreeEnrichments int64
}

// Quantities are the variable inputs of an action, known only after it ran.
type Quantities struct {
	ReactionCount int64 `json:"reaction_count"`
	CommentCount  int64 `json:"comment_count"`
}

// AsMap is the audit representation of q.
func (q Quantities) AsMap() map[string]int64 {
	return map[string]int64{"reactions": q.ReactionCount, "comments": q.CommentCount}
}

// Catalog is the full price list.
type Catalog struct {
	Rates  Rates
	Limits map[domain.Plan]Limits
}

// DefaultCatalog is the production price list. Starter's worst-case post
// analysis is 1 + 300*1 + 100*2 = 501.
func DefaultCatalog() Catalog {
	return Catalog{
		Rates: Rates{
			PostAnalysisBase:  1,
			PerReaction:       1,
			PerComment:        2,
			ProfileEnrichment: 10,
			EmailLookup:       5,
			AISearch:          20,
			Monitoring:        2,
		},
		Limits: map[domain.Plan]Limits{
			domain.PlanFree: {
				MaxReactionsPerPost: 300,
				MaxCommentsPerPost:  100,
				FreeAnalyses:        5,
				FreeEnrichments:     10,
			},
			domain.PlanStarter: {
				Allocation:          5000,
				MaxReactionsPerPost: 300,
				MaxCommentsPerPost:  100,
			},
			domain.PlanPro: {
				Allocation:          15000,
				MaxReactionsPerPost: 1000,
				MaxCommentsPerPost:  500,
			},
			domain.PlanAgency: {
				Allocation:          40000,
				MaxReactionsPerPost: 2500,
				MaxCommentsPerPost:  1000,
			},
		},
	}
}

// LimitsFor returns the plan's limits; unknown plans fall back to free.
func (c Catalog) LimitsFor(p domain.Plan) Limits {
	if l, ok := c.Limits[p]; ok {
		return l
	}
	return c.Limits[domain.PlanFree]
}

// Allocation is the wallet grant for one billing cycle of p.
func (c Catalog) Allocation(p domain.Plan) (int64, error) {
	if !p.Metered() {
		return 0, fmt.Errorf("%w: %q has no wallet allocation", domain.ErrInvalidPlan, p)
	}
	return c.LimitsFor(p).Allocation, nil
}

// CostOf prices an action from its real quantities.
func (c Catalog) CostOf(action domain.ActionType, q Quantities) (int64, error) {
	if q.ReactionCount < 0 || q.CommentCount < 0 {
		return 0, fmt.Errorf("%w: negative quantity", domain.ErrMalformedPayload)
	}
	r := c.Rates
	switch action {
	case domain.ActionPostAnalysis:
		return r.PostAnalysisBase + r.PerReaction*q.ReactionCount + r.PerComment*q.CommentCount, nil
	case domain.ActionProfileEnrichment:
		return r.ProfileEnrichment, nil
	case domain.ActionEmailLookup:
		return r.EmailLookup, nil
	case domain.ActionAISearch:
		return r.AISearch, nil
	case domain.ActionMonitoring:
		return r.Monitoring, nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
}

// EstimatedMaxCost is the worst-case cost of action on plan p, used before
// the real quantities are known.
func (c Catalog) EstimatedMaxCost(p domain.Plan, action domain.ActionType) (int64, error) {
	l := c.LimitsFor(p)
	return c.CostOf(action, Quantities{
		ReactionCount: l.MaxReactionsPerPost,
		CommentCount:  l.MaxCommentsPerPost,
	})
}

// Clamp bounds q to plan p's caps. Settling a clamped action never costs
// more than EstimatedMaxCost.
func (c Catalog) Clamp(p domain.Plan, q Quantities) Quantities {
	l := c.LimitsFor(p)
	if q.ReactionCount > l.MaxReactionsPerPost {
		q.ReactionCount = l.MaxReactionsPerPost
	}
	if q.CommentCount > l.MaxCommentsPerPost {
		q.CommentCount = l.MaxCommentsPerPost
	}
	return q
}

// FreeAllowance returns the counter and monthly allowance backing action on
// the free tier. ok is false when the action has no free allowance.
func (c Catalog) FreeAllowance(action domain.ActionType) (counter domain.Counter, limit int64, ok bool) {
	l := c.LimitsFor(domain.PlanFree)
	switch action {
	case domain.ActionPostAnalysis:
		return domain.CounterAnalyses, l.FreeAnalyses, true
	case domain.ActionProfileEnrichment:
		return domain.CounterEnrichments, l.FreeEnrichments, true
	}
	return "", 0, false
}
