package plans

import (
	"fmt"
	"regexp"
	"sort"
)

// FreePlanID is the plan every organization without an active subscription resolves to
const FreePlanID = "free"

// Unlimited is the monthly quota sentinel meaning "count but never deny"
const Unlimited int64 = -1

// SchemaVersion is the plan schema this build understands
const SchemaVersion = 1

// Interval is the billing cadence of a plan
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

var identPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Plan is a read-only product definition: display attributes, feature flags
// and per-metric monthly quotas.
type Plan struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description,omitempty" yaml:"description"`
	PriceCents    int64            `json:"price_cents" yaml:"price_cents"`
	Interval      Interval         `json:"interval" yaml:"interval"`
	Features      map[string]bool  `json:"features" yaml:"features"`
	MonthlyQuota  map[string]int64 `json:"monthly_quota" yaml:"monthly_quota"`
	StripePriceID string           `json:"stripe_price_id,omitempty" yaml:"stripe_price_id"`
	SchemaVersion int              `json:"schema_version" yaml:"schema_version"`
}

// DefaultFreePlan is the compiled-in free plan used when the plan store
// cannot supply one. It enables nothing and allows nothing.
func DefaultFreePlan() *Plan {
	return &Plan{
		ID:            FreePlanID,
		Name:          "Free",
		Interval:      IntervalMonth,
		Features:      map[string]bool{},
		MonthlyQuota:  map[string]int64{},
		SchemaVersion: SchemaVersion,
	}
}

// Limit returns the monthly quota for metric. Metrics absent from the plan
// have a limit of zero.
func (p *Plan) Limit(metric string) int64 {
	if p == nil {
		return 0
	}
	return p.MonthlyQuota[metric]
}

// IsUnlimited reports whether metric is counted without a cap
func (p *Plan) IsUnlimited(metric string) bool {
	return p.Limit(metric) == Unlimited
}

// FeatureEnabled reports whether the plan turns feature on
func (p *Plan) FeatureEnabled(feature string) bool {
	if p == nil {
		return false
	}
	return p.Features[feature]
}

// Purchasable reports whether checkout can be started for the plan
func (p *Plan) Purchasable() bool {
	return p != nil && p.StripePriceID != ""
}

// Metrics returns the plan's metric names in sorted order
func (p *Plan) Metrics() []string {
	metrics := make([]string, 0, len(p.MonthlyQuota))
	for m := range p.MonthlyQuota {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	return metrics
}

// Validate checks a plan against the current schema
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if !identPattern.MatchString(p.ID) {
		return fmt.Errorf("plan %q: invalid id", p.ID)
	}
	if p.Name == "" {
		return fmt.Errorf("plan %s: name is required", p.ID)
	}
	if p.SchemaVersion == 0 {
		return fmt.Errorf("plan %s: schema_version is required", p.ID)
	}
	if p.SchemaVersion > SchemaVersion {
		return fmt.Errorf("plan %s: schema_version %d is newer than supported version %d", p.ID, p.SchemaVersion, SchemaVersion)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("plan %s: price_cents must not be negative", p.ID)
	}
	switch p.Interval {
	case IntervalMonth, IntervalYear:
	default:
		return fmt.Errorf("plan %s: invalid interval %q", p.ID, p.Interval)
	}
	for metric, limit := range p.MonthlyQuota {
		if !identPattern.MatchString(metric) {
			return fmt.Errorf("plan %s: invalid metric name %q", p.ID, metric)
		}
		if limit < Unlimited {
			return fmt.Errorf("plan %s: quota for %s must be -1 (unlimited) or non-negative, got %d", p.ID, metric, limit)
		}
	}
	for feature := range p.Features {
		if feature == "" {
			return fmt.Errorf("plan %s: empty feature name", p.ID)
		}
	}
	if p.ID == FreePlanID && p.StripePriceID != "" {
		return fmt.Errorf("plan %s: the free plan cannot carry a price id", p.ID)
	}
	return nil
}

func (p *Plan) normalize() {
	if p.Features == nil {
		p.Features = map[string]bool{}
	}
	if p.MonthlyQuota == nil {
		p.MonthlyQuota = map[string]int64{}
	}
	if p.Interval == "" {
		p.Interval = IntervalMonth
	}
}
