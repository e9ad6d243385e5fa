package scan

import (
	"context"
	"fmt"
)

// Severity levels for vulnerability findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding is one vulnerability reported for an image.
type Finding struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Package     string `json:"package,omitempty"`
	Description string `json:"description,omitempty"`
}

// Report is a scored vulnerability report for one image.
type Report struct {
	ImageRef string    `json:"image_ref"`
	Findings []Finding `json:"findings"`
	Score    int       `json:"score"`
}

// Scanner produces vulnerability findings for a built image. The concrete
// vulnerability source is pluggable; the scoring and threshold policy is not.
type Scanner interface {
	Scan(ctx context.Context, imageRef string) ([]Finding, error)
}

// Score computes the 0-100 image score: critical findings cost 30 points
// each, high findings 15, floored at 0.
func Score(findings []Finding) int {
	score := 100
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			score -= 30
		case SeverityHigh:
			score -= 15
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Policy holds the two score thresholds. Scores below Floor reject the run;
// scores in [Floor, Minimum) pass with a warning.
type Policy struct {
	Floor   int
	Minimum int
}

// Evaluate runs the scanner and applies the policy. A non-empty warning is
// returned for scores below the configured minimum.
func (p Policy) Evaluate(ctx context.Context, s Scanner, imageRef string) (Report, string, error) {
	findings, err := s.Scan(ctx, imageRef)
	if err != nil {
		return Report{}, "", fmt.Errorf("image scan failed: %w", err)
	}
	rep := Report{ImageRef: imageRef, Findings: findings, Score: Score(findings)}
	if rep.Score < p.Floor {
		return rep, "", fmt.Errorf("security score %d below floor %d", rep.Score, p.Floor)
	}
	if rep.Score < p.Minimum {
		return rep, fmt.Sprintf("security score %d below configured minimum %d", rep.Score, p.Minimum), nil
	}
	return rep, "", nil
}

// Static is a Scanner returning a fixed finding set, used as the default
// in-process stand-in and in tests.
type Static struct {
	Findings []Finding
	Err      error
}

func (s Static) Scan(ctx context.Context, imageRef string) ([]Finding, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Findings, nil
}
