package optimizations

import (
	"fmt"
	"math"

	"github.com/manningwu07/vhred/params"
)

// Annealer yields the KL weight for a given global step.
type Annealer struct {
	Schedule string
	Steps    int
	Max      float64
}

func NewAnnealer(cfg params.TrainingConfig) (Annealer, error) {
	switch cfg.AnnealSchedule {
	case "constant", "linear", "sigmoid":
	default:
		return Annealer{}, fmt.Errorf("%w: unknown anneal_schedule %q", params.ErrInvalidConfig, cfg.AnnealSchedule)
	}
	return Annealer{Schedule: cfg.AnnealSchedule, Steps: cfg.AnnealSteps, Max: cfg.AnnealMax}, nil
}

// Weight is in [0, Max] and non-decreasing in step.
func (a Annealer) Weight(step int) float64 {
	if step < 0 {
		step = 0
	}
	switch a.Schedule {
	case "linear":
		if a.Steps <= 0 {
			return a.Max
		}
		return a.Max * math.Min(1, float64(step)/float64(a.Steps))
	case "sigmoid":
		if a.Steps <= 0 {
			return a.Max
		}
		// Centered on Steps/2, ~0.7% of Max at step 0.
		k := 10.0 / float64(a.Steps)
		return a.Max / (1 + math.Exp(-k*(float64(step)-float64(a.Steps)/2)))
	default:
		return a.Max
	}
}
