package IO

import (
	"fmt"
	"math/rand/v2"

	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/vhred"
)

// Sample is one (history, next utterance) training pair.
type Sample struct {
	History [][]int
	Target  []int
}

// EncodeDialogues tokenizes every utterance, truncating each to maxWords
// tokens. Utterances that tokenize to nothing are dropped.
func EncodeDialogues(tok Tokenizer, dialogues [][]string, maxWords int) ([][][]int, error) {
	out := make([][][]int, 0, len(dialogues))
	for i, d := range dialogues {
		var conv [][]int
		for _, line := range d {
			ids, err := tok.Encode(line)
			if err != nil {
				return nil, fmt.Errorf("dialogue %d: %w", i, err)
			}
			if len(ids) == 0 {
				continue
			}
			if len(ids) > maxWords {
				ids = ids[:maxWords]
			}
			conv = append(conv, ids)
		}
		out = append(out, conv)
	}
	return out, nil
}

// BuildSamples turns each utterance after the first into a target whose
// history is the preceding maxSentences utterances.
func BuildSamples(dialogues [][][]int, maxSentences int) []Sample {
	var out []Sample
	for _, d := range dialogues {
		for k := 1; k < len(d); k++ {
			start := max(0, k-maxSentences)
			out = append(out, Sample{History: d[start:k], Target: d[k]})
		}
	}
	return out
}

// MakeBatch pads samples into a vhred.Batch. Decoder inputs are
// <go>+target and decoder targets are target+<eos>.
func MakeBatch(samples []Sample, cfg params.ModelConfig) *vhred.Batch {
	b := HistoryBatch(histories(samples), cfg)

	T := 0
	for _, s := range samples {
		T = max(T, len(s.Target)+1)
	}
	b.DecoderInputs = make([][]int, len(samples))
	b.DecoderTargets = make([][]int, len(samples))
	b.TargetLengths = make([]int, len(samples))
	for i, s := range samples {
		in := filled(T, cfg.PadID)
		tgt := filled(T, cfg.PadID)
		in[0] = cfg.GoID
		copy(in[1:], s.Target)
		copy(tgt, s.Target)
		tgt[len(s.Target)] = cfg.EOSID
		b.DecoderInputs[i] = in
		b.DecoderTargets[i] = tgt
		b.TargetLengths[i] = len(s.Target) + 1
	}
	return b
}

// HistoryBatch pads encoder-side histories only, for inference.
func HistoryBatch(hist [][][]int, cfg params.ModelConfig) *vhred.Batch {
	S, W := 1, 1
	for _, h := range hist {
		S = max(S, len(h))
		for _, sent := range h {
			W = max(W, len(sent))
		}
	}
	b := &vhred.Batch{
		Conversations:  make([][][]int, len(hist)),
		WordCounts:     make([][]int, len(hist)),
		SentenceCounts: make([]int, len(hist)),
	}
	for i, h := range hist {
		conv := make([][]int, S)
		counts := make([]int, S)
		for s := range conv {
			conv[s] = filled(W, cfg.PadID)
			if s < len(h) {
				copy(conv[s], h[s])
				counts[s] = len(h[s])
			}
		}
		b.Conversations[i] = conv
		b.WordCounts[i] = counts
		b.SentenceCounts[i] = len(h)
	}
	return b
}

func histories(samples []Sample) [][][]int {
	out := make([][][]int, len(samples))
	for i, s := range samples {
		out[i] = s.History
	}
	return out
}

func filled(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Batcher reshuffles samples every epoch with its own seeded stream.
type Batcher struct {
	Samples   []Sample
	BatchSize int

	cfg params.ModelConfig
	rng *rand.Rand
}

func NewBatcher(samples []Sample, batchSize int, cfg params.ModelConfig, seed uint64) *Batcher {
	return &Batcher{
		Samples:   samples,
		BatchSize: batchSize,
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
	}
}

func (b *Batcher) NumBatches() int {
	return (len(b.Samples) + b.BatchSize - 1) / b.BatchSize
}

// Epoch shuffles the samples and returns them cut into batches; the last
// batch may be short.
func (b *Batcher) Epoch() []*vhred.Batch {
	b.rng.Shuffle(len(b.Samples), func(i, j int) {
		b.Samples[i], b.Samples[j] = b.Samples[j], b.Samples[i]
	})
	return Batches(b.Samples, b.BatchSize, b.cfg)
}

// SplitSamples shuffles a copy of samples and holds out frac of them for
// evaluation. At least one sample stays in the training split.
func SplitSamples(samples []Sample, frac float64, seed uint64) (trainSet, valSet []Sample) {
	s := append([]Sample(nil), samples...)
	rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
	n := int(frac * float64(len(s)))
	n = min(n, len(s)-1)
	if n <= 0 {
		return s, nil
	}
	return s[n:], s[:n]
}

// Batches cuts samples into fixed-order batches.
func Batches(samples []Sample, batchSize int, cfg params.ModelConfig) []*vhred.Batch {
	var out []*vhred.Batch
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		out = append(out, MakeBatch(samples[start:end], cfg))
	}
	return out
}
