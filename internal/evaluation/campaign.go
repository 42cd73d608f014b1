package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Policy decides when a campaign over a single group stops. Zero values
// disable the corresponding condition; at least one of MaxCycles and Budget
// must be set so a campaign cannot run unbounded.
type Policy struct {
	// MaxCycles caps the number of cycles run.
	MaxCycles int

	// MinDelta stops the campaign once the best amplitude improves by less
	// than this amount over a cycle. Zero disables plateau detection.
	MinDelta float64

	// Budget bounds the campaign's total wall-clock time.
	Budget time.Duration
}

// ErrUnboundedPolicy reports a policy with no terminating condition.
var ErrUnboundedPolicy = errors.New("evaluation: policy must set MaxCycles or Budget")

// CampaignResult summarizes a finished campaign.
type CampaignResult struct {
	Cycles        []*CycleResult
	BestAmplitude float64
	Stopped       StopReason
}

// StopReason names why a campaign ended.
type StopReason string

const (
	StopMaxCycles StopReason = "max_cycles"
	StopPlateau   StopReason = "plateau"
	StopBudget    StopReason = "budget"
)

// RunCampaign runs cycles against the group until the policy says stop.
// The group is re-read between cycles so each explore step rewrites the
// current canonical identifier, not the one the campaign started with.
func (e *Engine) RunCampaign(ctx context.Context, groupID uuid.UUID, policy Policy) (*CampaignResult, error) {
	if policy.MaxCycles <= 0 && policy.Budget <= 0 {
		return nil, ErrUnboundedPolicy
	}

	if policy.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Budget)
		defer cancel()
	}

	result := &CampaignResult{BestAmplitude: math.Inf(-1)}

	for cycle := 0; policy.MaxCycles <= 0 || cycle < policy.MaxCycles; cycle++ {
		group, err := e.repo.GetGroup(ctx, groupID)
		if err != nil {
			if ctx.Err() != nil {
				result.Stopped = StopBudget
				return result, nil
			}
			return result, fmt.Errorf("reloading group: %w", err)
		}

		cr, err := e.RunCycle(ctx, group)
		if err != nil {
			if ctx.Err() != nil {
				result.Stopped = StopBudget
				return result, nil
			}
			return result, err
		}
		result.Cycles = append(result.Cycles, cr)

		_, bestEv, err := e.repo.BestPerformer(ctx, groupID)
		if err != nil {
			return result, fmt.Errorf("reading best performer: %w", err)
		}

		delta := bestEv.Amplitude - result.BestAmplitude
		if bestEv.Amplitude > result.BestAmplitude {
			result.BestAmplitude = bestEv.Amplitude
		}

		// First cycle establishes the baseline; plateau checks start after.
		if cycle > 0 && policy.MinDelta > 0 && delta < policy.MinDelta {
			result.Stopped = StopPlateau
			return result, nil
		}
	}

	result.Stopped = StopMaxCycles
	return result, nil
}
