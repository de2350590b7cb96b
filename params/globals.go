package params

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Special tokens kept at the start of the vocab
const (
	PadToken = "<pad>"
	GoToken  = "<go>"
	EOSToken = "<eos>"
	UnkToken = "<unk>"
)

// Vocabulary maps tokens to ids and back.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

type ModelConfig struct {
	// Sizes
	VocabSize      int `mapstructure:"vocab_size" yaml:"vocab_size"`
	EmbedDim       int `mapstructure:"embed_dim" yaml:"embed_dim"`
	WordHidden     int `mapstructure:"word_hidden" yaml:"word_hidden"`         // per direction
	SentenceHidden int `mapstructure:"sentence_hidden" yaml:"sentence_hidden"` // per direction
	DecoderHidden  int `mapstructure:"decoder_hidden" yaml:"decoder_hidden"`   // must be 2*SentenceHidden
	LatentSize     int `mapstructure:"latent_size" yaml:"latent_size"`
	AttentionUnits int `mapstructure:"attention_units" yaml:"attention_units"` // 0 = DecoderHidden

	// Sampled softmax negatives per step (0 = full softmax)
	SoftmaxSamples int `mapstructure:"softmax_samples" yaml:"softmax_samples"`

	// Token ids
	PadID int `mapstructure:"pad_id" yaml:"pad_id"`
	GoID  int `mapstructure:"go_id" yaml:"go_id"`
	EOSID int `mapstructure:"eos_id" yaml:"eos_id"`
	UnkID int `mapstructure:"unk_id" yaml:"unk_id"`

	MaxDecodeLen int     `mapstructure:"max_decode_len" yaml:"max_decode_len"` // inference cap when no target length is given
	InitScale    float64 `mapstructure:"init_scale" yaml:"init_scale"`         // 0 = 1/sqrt(fan_in)
	Seed         uint64  `mapstructure:"seed" yaml:"seed"`
}

type TrainingConfig struct {
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	AdamBeta1    float64 `mapstructure:"adam_beta1" yaml:"adam_beta1"` // default 0.9
	AdamBeta2    float64 `mapstructure:"adam_beta2" yaml:"adam_beta2"` // default 0.999
	AdamEps      float64 `mapstructure:"adam_eps" yaml:"adam_eps"`     // default 1e-8
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	GradClip     float64 `mapstructure:"grad_clip" yaml:"grad_clip"` // <=0 disables

	MaxEpochs    int `mapstructure:"max_epochs" yaml:"max_epochs"`
	BatchSize    int `mapstructure:"batch_size" yaml:"batch_size"`
	MaxSentences int `mapstructure:"max_sentences" yaml:"max_sentences"` // history turns kept per sample
	MaxWords     int `mapstructure:"max_words" yaml:"max_words"`         // tokens kept per utterance

	// KL annealing
	AnnealSchedule string  `mapstructure:"anneal_schedule" yaml:"anneal_schedule"` // constant | linear | sigmoid
	AnnealSteps    int     `mapstructure:"anneal_steps" yaml:"anneal_steps"`
	AnnealMax      float64 `mapstructure:"anneal_max" yaml:"anneal_max"`

	SaveEverySteps int `mapstructure:"save_every_steps" yaml:"save_every_steps"` // 0 = only at epoch end
	DebugEvery     int `mapstructure:"debug_every" yaml:"debug_every"`

	// Held-out evaluation and early stopping
	ValFrac              float64 `mapstructure:"val_frac" yaml:"val_frac"`
	Patience             int     `mapstructure:"patience" yaml:"patience"` // 0 disables early stopping
	ImprovementThreshold float64 `mapstructure:"improvement_threshold" yaml:"improvement_threshold"`
}

type Config struct {
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
	Training TrainingConfig `mapstructure:"training" yaml:"training"`
}

// Reasonable defaults for small experiments
func Default() Config {
	return Config{
		Model: ModelConfig{
			VocabSize:      20000,
			EmbedDim:       64,
			WordHidden:     128,
			SentenceHidden: 128,
			DecoderHidden:  256,
			LatentSize:     64,
			AttentionUnits: 0,
			SoftmaxSamples: 512,
			PadID:          0,
			GoID:           1,
			EOSID:          2,
			UnkID:          3,
			MaxDecodeLen:   20,
			InitScale:      0,
			Seed:           42,
		},
		Training: TrainingConfig{
			LearningRate: 0.002,
			AdamBeta1:    0.9,
			AdamBeta2:    0.999,
			AdamEps:      1e-8,
			WeightDecay:  0,
			GradClip:     5.0,

			MaxEpochs:    30,
			BatchSize:    32,
			MaxSentences: 3,
			MaxWords:     10,

			AnnealSchedule: "sigmoid",
			AnnealSteps:    10_000,
			AnnealMax:      1.0,

			SaveEverySteps: 5000,
			DebugEvery:     100,

			ValFrac:              0.05,
			Patience:             5,
			ImprovementThreshold: 1e-3,
		},
	}
}

// Attention returns the width of the Bahdanau scoring layer.
func (c ModelConfig) Attention() int {
	if c.AttentionUnits > 0 {
		return c.AttentionUnits
	}
	return c.DecoderHidden
}

// Validate fails fast on configurations the model cannot be built with.
func (c ModelConfig) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"embed_dim", c.EmbedDim},
		{"word_hidden", c.WordHidden},
		{"sentence_hidden", c.SentenceHidden},
		{"decoder_hidden", c.DecoderHidden},
		{"latent_size", c.LatentSize},
		{"max_decode_len", c.MaxDecodeLen},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.AttentionUnits < 0 {
		return fmt.Errorf("%w: attention_units must be >= 0, got %d", ErrInvalidConfig, c.AttentionUnits)
	}
	// The decoder cell is seeded with the sentence encoder's (fw ‖ bw) cell state.
	if 2*c.SentenceHidden != c.DecoderHidden {
		return fmt.Errorf("%w: decoder_hidden (%d) must equal 2*sentence_hidden (%d)",
			ErrInvalidConfig, c.DecoderHidden, 2*c.SentenceHidden)
	}
	if c.SoftmaxSamples < 0 {
		return fmt.Errorf("%w: softmax_samples must be >= 0, got %d", ErrInvalidConfig, c.SoftmaxSamples)
	}
	for name, id := range map[string]int{"pad_id": c.PadID, "go_id": c.GoID, "eos_id": c.EOSID, "unk_id": c.UnkID} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("%w: %s %d outside vocab [0,%d)", ErrInvalidConfig, name, id, c.VocabSize)
		}
	}
	if c.GoID == c.EOSID {
		return fmt.Errorf("%w: go_id and eos_id must differ", ErrInvalidConfig)
	}
	if c.InitScale < 0 {
		return fmt.Errorf("%w: init_scale must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (c TrainingConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0", ErrInvalidConfig)
	}
	if c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 || c.AdamBeta2 < 0 || c.AdamBeta2 >= 1 {
		return fmt.Errorf("%w: adam betas must be in [0,1)", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 || c.MaxEpochs <= 0 {
		return fmt.Errorf("%w: batch_size and max_epochs must be > 0", ErrInvalidConfig)
	}
	if c.MaxSentences <= 0 || c.MaxWords <= 0 {
		return fmt.Errorf("%w: max_sentences and max_words must be > 0", ErrInvalidConfig)
	}
	if c.ValFrac < 0 || c.ValFrac >= 1 {
		return fmt.Errorf("%w: val_frac must be in [0,1), got %g", ErrInvalidConfig, c.ValFrac)
	}
	if c.Patience < 0 {
		return fmt.Errorf("%w: patience must be >= 0", ErrInvalidConfig)
	}
	switch c.AnnealSchedule {
	case "constant", "linear", "sigmoid":
	default:
		return fmt.Errorf("%w: unknown anneal_schedule %q", ErrInvalidConfig, c.AnnealSchedule)
	}
	if c.AnnealSchedule != "constant" && c.AnnealSteps <= 0 {
		return fmt.Errorf("%w: anneal_steps must be > 0 for %s annealing", ErrInvalidConfig, c.AnnealSchedule)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	return nil
}
