// Package train drives a vhred.Model over a dialogue corpus.
package train

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/manningwu07/vhred/IO"
	"github.com/manningwu07/vhred/optimizations"
	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/vhred"
)

// Trainer owns the epoch loop: annealing, logging, metrics and checkpoints.
type Trainer struct {
	Model      *vhred.Model
	Batcher    *IO.Batcher
	ValBatches []*vhred.Batch // optional held-out set
	Annealer   optimizations.Annealer
	Config     params.Config
	Vocab      []string

	RunID         string
	CheckpointDir string // empty disables saving

	Logger  *zap.Logger
	Metrics *Metrics // optional

	Step int
}

// Summary is the mean of each monitored scalar over one epoch.
type Summary struct {
	Epoch          int
	Batches        int
	Failed         int
	Total          float64
	KL             float64
	Reconstruction float64
	Duration       time.Duration

	// Held-out means, zero when there is no validation set.
	ValTotal          float64
	ValReconstruction float64
}

func (t *Trainer) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// Run trains for Config.Training.MaxEpochs epochs or until ctx is done.
// A batch that fails is logged and skipped. With Patience > 0 training stops
// once the monitored loss (held-out when available) has not improved by
// ImprovementThreshold for Patience epochs; the best weights are kept in
// BestPath.
func (t *Trainer) Run(ctx context.Context) ([]Summary, error) {
	log := t.logger().With(zap.String("run_id", t.RunID))
	log.Info("Training",
		zap.Int("samples", len(t.Batcher.Samples)),
		zap.Int("batches_per_epoch", t.Batcher.NumBatches()),
		zap.Int("params", countParams(t.Model)))

	cfg := t.Config.Training
	best := math.Inf(1)
	stale := 0

	var out []Summary
	for e := 0; e < cfg.MaxEpochs; e++ {
		s, err := t.epoch(ctx, log, e)
		if err != nil {
			out = append(out, s)
			return out, err
		}
		s.ValTotal, s.ValReconstruction = t.evaluate(log)
		out = append(out, s)
		log.Info("Epoch done",
			zap.Int("epoch", e+1),
			zap.Float64("loss", s.Total),
			zap.Float64("kl", s.KL),
			zap.Float64("reconstruction", s.Reconstruction),
			zap.Float64("val_loss", s.ValTotal),
			zap.Int("failed_batches", s.Failed),
			zap.Duration("took", s.Duration))
		if err := t.save(CheckpointPath(t.CheckpointDir), e+1); err != nil {
			return out, err
		}

		monitored := s.Total
		if len(t.ValBatches) > 0 {
			monitored = s.ValTotal
		}
		if s.Batches == 0 {
			monitored = math.Inf(1)
		}
		if monitored < best-cfg.ImprovementThreshold {
			best = monitored
			stale = 0
			if err := t.save(BestPath(t.CheckpointDir), e+1); err != nil {
				return out, err
			}
			continue
		}
		stale++
		if cfg.Patience > 0 && stale >= cfg.Patience {
			log.Info("Early stopping",
				zap.Int("epoch", e+1),
				zap.Float64("best_loss", best),
				zap.Int("patience", cfg.Patience))
			break
		}
	}
	return out, nil
}

// evaluate returns the mean held-out total and reconstruction loss at the
// current annealing weight.
func (t *Trainer) evaluate(log *zap.Logger) (total, recon float64) {
	if len(t.ValBatches) == 0 {
		return 0, 0
	}
	annealing := t.Annealer.Weight(t.Step)
	results, errs := t.Model.LossAll(t.ValBatches, annealing, t.Config.Model.Seed)
	n := 0
	for i, res := range results {
		if errs[i] != nil {
			log.Warn("Skipping validation batch", zap.Int("batch", i), zap.Error(errs[i]))
			continue
		}
		total += res.Total
		recon += res.Reconstruction
		n++
	}
	if n == 0 {
		return math.Inf(1), math.Inf(1)
	}
	total /= float64(n)
	recon /= float64(n)
	if t.Metrics != nil {
		t.Metrics.ValLoss.Set(total)
	}
	return total, recon
}

func (t *Trainer) epoch(ctx context.Context, log *zap.Logger, e int) (Summary, error) {
	s := Summary{Epoch: e + 1}
	start := time.Now()

	for _, b := range t.Batcher.Epoch() {
		if err := ctx.Err(); err != nil {
			s.Duration = time.Since(start)
			return finish(s), err
		}
		annealing := t.Annealer.Weight(t.Step)

		stepStart := time.Now()
		res, err := t.Model.TrainStep(b, annealing)
		if err != nil {
			s.Failed++
			log.Warn("Skipping batch", zap.Int("step", t.Step), zap.Error(err))
			if t.Metrics != nil {
				t.Metrics.FailedBatches.Inc()
			}
			continue
		}
		t.Step++
		s.Batches++
		s.Total += res.Total
		s.KL += res.KL
		s.Reconstruction += res.Reconstruction

		if t.Metrics != nil {
			t.Metrics.Loss.Set(res.Total)
			t.Metrics.KL.Set(res.KL)
			t.Metrics.Reconstruction.Set(res.Reconstruction)
			t.Metrics.Annealing.Set(annealing)
			t.Metrics.GradNorm.Set(res.GradNorm)
			t.Metrics.Steps.Inc()
			t.Metrics.StepLatency.Observe(time.Since(stepStart).Seconds())
		}
		if every := t.Config.Training.DebugEvery; every > 0 && t.Step%every == 0 {
			log.Debug("Step",
				zap.Int("step", t.Step),
				zap.Float64("loss", res.Total),
				zap.Float64("kl", res.KL),
				zap.Float64("reconstruction", res.Reconstruction),
				zap.Float64("kl_weight", annealing),
				zap.Float64("grad_norm", res.GradNorm))
		}
		if every := t.Config.Training.SaveEverySteps; every > 0 && t.Step%every == 0 {
			if err := t.save(CheckpointPath(t.CheckpointDir), e); err != nil {
				s.Duration = time.Since(start)
				return finish(s), err
			}
		}
	}
	s.Duration = time.Since(start)
	return finish(s), nil
}

func finish(s Summary) Summary {
	if s.Batches > 0 {
		n := float64(s.Batches)
		s.Total /= n
		s.KL /= n
		s.Reconstruction /= n
	}
	return s
}

// CheckpointPath is where the model file lives inside dir.
func CheckpointPath(dir string) string { return filepath.Join(dir, "vhred.gob") }

// BestPath holds the weights with the lowest monitored loss so far.
func BestPath(dir string) string { return filepath.Join(dir, "best.gob") }

// RunConfigPath is the YAML snapshot written next to each checkpoint.
func RunConfigPath(dir string) string { return filepath.Join(dir, "run.yaml") }

// RunConfig is the YAML record of what produced a checkpoint.
type RunConfig struct {
	RunID  string        `yaml:"run_id"`
	Step   int           `yaml:"step"`
	Epoch  int           `yaml:"epoch"`
	Saved  time.Time     `yaml:"saved"`
	Config params.Config `yaml:"config"`
}

func (t *Trainer) save(path string, epoch int) error {
	if t.CheckpointDir == "" {
		return nil
	}
	meta := vhred.CheckpointMeta{RunID: t.RunID, Step: t.Step, Epoch: epoch, Vocab: t.Vocab}
	if err := t.Model.Save(path, meta); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	raw, err := yaml.Marshal(RunConfig{
		RunID:  t.RunID,
		Step:   t.Step,
		Epoch:  epoch,
		Saved:  time.Now().UTC(),
		Config: t.Config,
	})
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	if err := os.WriteFile(RunConfigPath(t.CheckpointDir), raw, 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	t.logger().Info("Saved checkpoint",
		zap.String("path", path),
		zap.Int("step", t.Step))
	return nil
}

func countParams(m *vhred.Model) int {
	n := 0
	for _, p := range m.Params() {
		r, c := p.Dims()
		n += r * c
	}
	return n
}
