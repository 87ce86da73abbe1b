package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moatmetrics/moatmetrics/internal/confidence"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Actions checked against role permissions.
const (
	ActionApproveMetric = "approve_metric"
	ActionRunAnalytics  = "run_analytics"
	ActionViewResults   = "view_results"
	ActionViewAudit     = "view_audit"
)

// Review-expiry actions.
const (
	ExpiryExpire   = "expire"
	ExpiryEscalate = "escalate"
)

// Default values applied when fields are absent from the policy file.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultReviewerRole        = "reviewer"
	DefaultRetentionDays       = 2555
	AdminRole                  = "admin"
)

// Policy is the governance configuration bound to a run.
type Policy struct {
	Version string `yaml:"version" json:"version"`

	// ConfidenceThreshold is the minimum score for auto-approval.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`

	// AlwaysReviewUndefined routes results with an undefined value to review
	// regardless of their score.
	AlwaysReviewUndefined bool `yaml:"always_review_undefined" json:"always_review_undefined"`

	// Roles maps a role name to the actions it may perform.
	Roles map[string][]string `yaml:"roles" json:"roles"`

	// Metrics holds per-metric-type overrides.
	Metrics map[types.MetricType]MetricRule `yaml:"metrics" json:"metrics,omitempty"`

	Scoring Scoring `yaml:"scoring" json:"scoring"`

	ReviewExpiry ReviewExpiry `yaml:"review_expiry" json:"review_expiry"`

	// ComplianceFlags lists the frameworks (GDPR, HIPAA, SOC2) the policy is
	// expected to satisfy.
	ComplianceFlags []string `yaml:"compliance_flags" json:"compliance_flags,omitempty"`

	// DefaultReviewerRole is recorded on approval requests whose metric type
	// has no required_role override.
	DefaultReviewerRole string `yaml:"default_reviewer_role" json:"default_reviewer_role"`

	RetentionDays int `yaml:"retention_days" json:"retention_days"`
}

// MetricRule overrides policy behaviour for one metric type.
type MetricRule struct {
	AlwaysReview bool   `yaml:"always_review" json:"always_review"`
	SampleFloor  *int   `yaml:"sample_floor" json:"sample_floor,omitempty"`
	RequiredRole string `yaml:"required_role" json:"required_role,omitempty"`
}

// Scoring configures the confidence scorer.
type Scoring struct {
	Weights     confidence.Weights `yaml:"weights" json:"weights"`
	ZScoreBound float64            `yaml:"z_score_bound" json:"z_score_bound"`
	SampleFloor int                `yaml:"sample_floor" json:"sample_floor"`
}

// ReviewExpiry is the optional rule applied to long-pending reviews. A zero
// After disables it: pending reviews then stay open indefinitely.
type ReviewExpiry struct {
	After      time.Duration `yaml:"after" json:"after"`
	Action     string        `yaml:"action" json:"action,omitempty"`
	EscalateTo string        `yaml:"escalate_to" json:"escalate_to,omitempty"`
}

// Enabled reports whether an expiry rule is configured.
func (r ReviewExpiry) Enabled() bool { return r.After > 0 }

// Default returns the built-in policy: threshold 0.7, admin with every
// permission, default scoring.
func Default() Policy {
	p := defaults()
	p.Roles = map[string][]string{AdminRole: {"*"}}
	return p
}

// Load reads and parses the YAML policy file at path.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (Policy, error) {
	p := defaults()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: parse yaml: %w", err)
	}
	if len(p.Roles) == 0 {
		p.Roles = map[string][]string{AdminRole: {"*"}}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

func defaults() Policy {
	d := confidence.DefaultParams()
	return Policy{
		Version:               "1",
		ConfidenceThreshold:   DefaultConfidenceThreshold,
		AlwaysReviewUndefined: true,
		Scoring: Scoring{
			Weights:     d.Weights,
			ZScoreBound: d.ZScoreBound,
			SampleFloor: d.SampleFloor,
		},
		DefaultReviewerRole: DefaultReviewerRole,
		RetentionDays:       DefaultRetentionDays,
	}
}

// Validate checks ranges and enumerations.
func (p Policy) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0, 1], got %v", p.ConfidenceThreshold)
	}
	if err := p.Scoring.Weights.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if p.Scoring.ZScoreBound < 0 {
		return fmt.Errorf("scoring.z_score_bound must not be negative")
	}
	if p.Scoring.SampleFloor < 0 {
		return fmt.Errorf("scoring.sample_floor must not be negative")
	}
	for mt, rule := range p.Metrics {
		if !mt.Valid() {
			return fmt.Errorf("metrics: unknown metric type %q", mt)
		}
		if rule.SampleFloor != nil && *rule.SampleFloor < 0 {
			return fmt.Errorf("metrics.%s.sample_floor must not be negative", mt)
		}
	}
	for role, actions := range p.Roles {
		if role == "" {
			return fmt.Errorf("roles: empty role name")
		}
		if len(actions) == 0 {
			return fmt.Errorf("roles.%s: no actions", role)
		}
	}
	if p.ReviewExpiry.After < 0 {
		return fmt.Errorf("review_expiry.after must not be negative")
	}
	if p.ReviewExpiry.Enabled() {
		switch p.ReviewExpiry.Action {
		case ExpiryExpire:
		case ExpiryEscalate:
			if p.ReviewExpiry.EscalateTo == "" {
				return fmt.Errorf("review_expiry.escalate_to is required for action %q", ExpiryEscalate)
			}
		default:
			return fmt.Errorf("review_expiry.action: unknown action %q", p.ReviewExpiry.Action)
		}
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	return nil
}

// Permits reports whether role may perform action on metric type mt. Pass an
// empty mt for actions that are not scoped to a metric type.
func (p Policy) Permits(role, action string, mt types.MetricType) bool {
	for _, a := range p.Roles[role] {
		switch {
		case a == "*", a == action:
			return true
		case mt != "" && (a == action+":"+string(mt) || a == action+":*"):
			return true
		}
	}
	return false
}

// AlwaysReview reports whether results of type mt always require review.
func (p Policy) AlwaysReview(mt types.MetricType) bool {
	return p.Metrics[mt].AlwaysReview
}

// RequiredRole returns the role review requests for mt are routed to.
func (p Policy) RequiredRole(mt types.MetricType) string {
	if r := p.Metrics[mt].RequiredRole; r != "" {
		return r
	}
	return p.DefaultReviewerRole
}

// ScoringFor returns the scorer parameters for metric type mt.
func (p Policy) ScoringFor(mt types.MetricType) confidence.Params {
	params := confidence.Params{
		Weights:     p.Scoring.Weights,
		ZScoreBound: p.Scoring.ZScoreBound,
		SampleFloor: p.Scoring.SampleFloor,
		Threshold:   p.ConfidenceThreshold,
	}
	if f := p.Metrics[mt].SampleFloor; f != nil {
		params.SampleFloor = *f
	}
	return params
}

// ExpiresAt returns when a review created at created expires, or nil when no
// expiry rule is configured.
func (p Policy) ExpiresAt(created time.Time) *time.Time {
	if !p.ReviewExpiry.Enabled() {
		return nil
	}
	t := created.Add(p.ReviewExpiry.After)
	return &t
}

// Clone returns a deep copy that shares no maps or slices with p.
func (p Policy) Clone() Policy {
	c := p
	c.Roles = make(map[string][]string, len(p.Roles))
	for role, actions := range p.Roles {
		c.Roles[role] = slices.Clone(actions)
	}
	if p.Metrics != nil {
		c.Metrics = make(map[types.MetricType]MetricRule, len(p.Metrics))
		for mt, rule := range p.Metrics {
			if rule.SampleFloor != nil {
				f := *rule.SampleFloor
				rule.SampleFloor = &f
			}
			c.Metrics[mt] = rule
		}
	}
	c.ComplianceFlags = slices.Clone(p.ComplianceFlags)
	return c
}

// Digest is a content hash of the policy. Equal policies share a digest.
func (p Policy) Digest() string {
	// encoding/json sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RoleNames returns the configured roles in sorted order.
func (p Policy) RoleNames() []string {
	return slices.Sorted(maps.Keys(p.Roles))
}
