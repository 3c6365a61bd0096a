package policy

import (
	"context"
	"fmt"
	"log/slog"

	"civicmesh/internal/domain"
)

// Guide turns an eligibility decision into concrete next steps for the
// citizen. Implements domain.GuidanceGenerator.
type Guide struct {
	agentID string
	logger  *slog.Logger
}

// NewGuide creates a guidance generator attributed to agentID.
func NewGuide(agentID string, logger *slog.Logger) *Guide {
	return &Guide{agentID: agentID, logger: logger}
}

// Generate builds step-by-step guidance from the decision. Eligible results
// get application steps; ineligible results get one remediation line per
// unsatisfied criterion.
func (g *Guide) Generate(_ context.Context, result domain.EligibilityResult) (*domain.Guidance, error) {
	guidance := &domain.Guidance{
		Decision:    result.Decision,
		GeneratedBy: g.agentID,
	}

	if result.Decision == domain.DecisionEligible {
		guidance.Steps = []string{
			"Complete the online application form",
			"Attach the credentials used in this eligibility check",
			"Submit before the end of the current intake period",
		}
		guidance.Documents = []string{"proof of identity", "disclosed credentials"}
		guidance.Timeline = "Decisions are typically issued within 10 business days."
		return guidance, nil
	}

	for _, eval := range result.Evaluations {
		switch eval.Status {
		case domain.EvalSatisfied:
			continue
		case domain.EvalError:
			guidance.Steps = append(guidance.Steps,
				fmt.Sprintf("Criterion %q could not be checked; contact support", eval.Criterion))
		default:
			step := fmt.Sprintf("Criterion %q was not met", eval.Criterion)
			if eval.Reason != "" {
				step += ": " + eval.Reason
			}
			guidance.Steps = append(guidance.Steps, step)
		}
	}
	if len(guidance.Steps) == 0 {
		guidance.Steps = []string{"Review the decision details and contact support for an explanation"}
	}
	guidance.Steps = append(guidance.Steps, "You may reapply once your circumstances change")

	g.logger.Debug("guidance generated", "decision", result.Decision, "steps", len(guidance.Steps))
	return guidance, nil
}
