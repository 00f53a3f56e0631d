package agent

import (
	"context"
	"fmt"

	"qanerd/internal/analyzer"
	"qanerd/internal/types"
)

// Proposal is one candidate change returned by a proposer: the full
// test definition to write through, plus its rationale and cost.
type Proposal struct {
	Test      *types.Test
	Summary   string
	Rationale string
	Cost      float64
}

// Proposer produces candidate changes for a flaky test. It is a black
// box to the agent loop; implementations may call out to an external
// service.
type Proposer interface {
	// EstimateCost returns the expected cost of the next Propose call,
	// checked against the budget before the call is made.
	EstimateCost() float64
	Propose(ctx context.Context, test *types.Test, view *analyzer.FlakyView, iteration int) (*Proposal, error)
}

// defaultStepTimeoutMs seeds widening for steps with no explicit
// timeout.
const defaultStepTimeoutMs = 10000

// TimeoutProposer is a deterministic rule-based proposer. Each
// iteration it widens every step timeout by half again, on the theory
// that most flakiness observed in practice is slow rendering racing a
// tight wait.
type TimeoutProposer struct {
	// CostPerCall meters each proposal against the agent budget.
	CostPerCall float64
}

func (p *TimeoutProposer) EstimateCost() float64 { return p.CostPerCall }

func (p *TimeoutProposer) Propose(ctx context.Context, test *types.Test, view *analyzer.FlakyView, iteration int) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	changed := cloneTest(test)
	for i := range changed.Script.Steps {
		t := changed.Script.Steps[i].TimeoutMs
		if t <= 0 {
			t = defaultStepTimeoutMs
		}
		changed.Script.Steps[i].TimeoutMs = t + t/2
	}

	return &Proposal{
		Test:    changed,
		Summary: fmt.Sprintf("widened %d step timeouts by 50%%", len(changed.Script.Steps)),
		Rationale: fmt.Sprintf(
			"test %s is %s at %.1f%% pass rate; widening step timeouts to rule out timing races (iteration %d)",
			test.Name, view.Label, view.PassRate, iteration),
		Cost: p.CostPerCall,
	}, nil
}
