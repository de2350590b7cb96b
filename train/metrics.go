package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exported while training.
type Metrics struct {
	Loss           prometheus.Gauge
	KL             prometheus.Gauge
	Reconstruction prometheus.Gauge
	Annealing      prometheus.Gauge
	GradNorm       prometheus.Gauge
	ValLoss        prometheus.Gauge
	Steps          prometheus.Counter
	FailedBatches  prometheus.Counter
	StepLatency    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Loss: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_train_loss",
			Help: "Total loss of the last training batch",
		}),
		KL: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_train_kl",
			Help: "KL term of the last training batch",
		}),
		Reconstruction: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_train_reconstruction",
			Help: "Sampled-softmax reconstruction loss of the last training batch",
		}),
		Annealing: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_train_kl_weight",
			Help: "Current KL annealing weight",
		}),
		GradNorm: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_train_grad_norm",
			Help: "Global gradient norm before clipping",
		}),
		ValLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "vhred_val_loss",
			Help: "Mean total loss over the held-out batches after the last epoch",
		}),
		Steps: f.NewCounter(prometheus.CounterOpts{
			Name: "vhred_train_steps_total",
			Help: "Optimizer steps taken",
		}),
		FailedBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "vhred_train_failed_batches_total",
			Help: "Batches skipped because the step returned an error",
		}),
		StepLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vhred_train_step_duration_seconds",
			Help:    "Wall time of one training step",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}
