package policy

import (
	"fmt"
	"strings"
)

// Compliance frameworks understood by CheckCompliance.
const (
	FrameworkGDPR  = "GDPR"
	FrameworkHIPAA = "HIPAA"
	FrameworkSOC2  = "SOC2"
)

// minRetentionDays is the audit retention each framework expects.
var minRetentionDays = map[string]int{
	FrameworkGDPR:  1,
	FrameworkHIPAA: 2190,
	FrameworkSOC2:  365,
}

// Check is the outcome of one compliance requirement.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Report is the compliance status of a policy against one framework.
type Report struct {
	Framework string  `json:"framework"`
	Compliant bool    `json:"compliant"`
	Checks    []Check `json:"checks"`
}

// CheckCompliance evaluates the policy against framework.
func (p Policy) CheckCompliance(framework string) (Report, error) {
	fw := strings.ToUpper(framework)
	minDays, ok := minRetentionDays[fw]
	if !ok {
		return Report{}, fmt.Errorf("policy: unknown compliance framework %q", framework)
	}

	checks := []Check{
		{
			Name:   "audit_logging",
			Passed: true,
			Detail: "every governance transition is committed together with its audit entry",
		},
		p.accessControlCheck(),
		p.humanReviewCheck(),
		{
			Name:   "retention",
			Passed: p.RetentionDays >= minDays,
			Detail: fmt.Sprintf("retention_days=%d, %s requires at least %d", p.RetentionDays, fw, minDays),
		},
	}

	r := Report{Framework: fw, Compliant: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			r.Compliant = false
		}
	}
	return r, nil
}

// CheckAll evaluates every framework listed in ComplianceFlags.
func (p Policy) CheckAll() ([]Report, error) {
	out := make([]Report, 0, len(p.ComplianceFlags))
	for _, fw := range p.ComplianceFlags {
		r, err := p.CheckCompliance(fw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// accessControlCheck passes when roles are defined and only the admin role
// holds the wildcard permission.
func (p Policy) accessControlCheck() Check {
	if len(p.Roles) == 0 {
		return Check{Name: "access_control", Detail: "no roles defined"}
	}
	for _, role := range p.RoleNames() {
		if role == AdminRole {
			continue
		}
		for _, a := range p.Roles[role] {
			if a == "*" {
				return Check{
					Name:   "access_control",
					Detail: fmt.Sprintf("role %q holds the wildcard permission", role),
				}
			}
		}
	}
	return Check{Name: "access_control", Passed: true, Detail: fmt.Sprintf("%d roles with scoped permissions", len(p.Roles))}
}

// humanReviewCheck passes when some results can reach human review.
func (p Policy) humanReviewCheck() Check {
	if p.ConfidenceThreshold > 0 || p.AlwaysReviewUndefined {
		return Check{Name: "human_review", Passed: true, Detail: fmt.Sprintf("confidence_threshold=%.2f", p.ConfidenceThreshold)}
	}
	for _, rule := range p.Metrics {
		if rule.AlwaysReview {
			return Check{Name: "human_review", Passed: true, Detail: "always_review configured"}
		}
	}
	return Check{Name: "human_review", Detail: "every result is auto-approved"}
}
