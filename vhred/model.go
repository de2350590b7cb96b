// Package vhred implements a hierarchical variational encoder-decoder for
// response generation: a word-level BiLSTM per sentence, sum pooling, a
// sentence-level BiLSTM, a Gaussian latent bottleneck and an attention
// decoder trained with sampled softmax plus an annealed KL term.
package vhred

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/optimizations"
	"github.com/manningwu07/vhred/params"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShape      = errors.New("shape mismatch")
	ErrEmptyBatch = errors.New("empty batch")
)

// Batch is one padded minibatch.
type Batch struct {
	Conversations  [][][]int // (batch, sentences, words)
	WordCounts     [][]int   // (batch, sentences)
	SentenceCounts []int     // (batch)

	DecoderInputs  [][]int // (batch, words), training only
	DecoderTargets [][]int // (batch, words), training only
	TargetLengths  []int   // (batch); inference falls back to MaxDecodeLen when empty
}

// Size returns (batch, sentences, words) of the encoder input.
func (b *Batch) Size() (int, int, int) {
	n := len(b.Conversations)
	if n == 0 || len(b.Conversations[0]) == 0 {
		return n, 0, 0
	}
	return n, len(b.Conversations[0]), len(b.Conversations[0][0])
}

// ValidateEncoder checks the encoder-side tensors against each other and
// the vocabulary.
func (b *Batch) ValidateEncoder(vocab int) error {
	n, sentences, words := b.Size()
	if n == 0 || sentences == 0 || words == 0 {
		return ErrEmptyBatch
	}
	if len(b.WordCounts) != n || len(b.SentenceCounts) != n {
		return fmt.Errorf("%w: counts for %d conversations, got %d word-count rows and %d sentence counts",
			ErrShape, n, len(b.WordCounts), len(b.SentenceCounts))
	}
	for i, conv := range b.Conversations {
		if len(conv) != sentences || len(b.WordCounts[i]) != sentences {
			return fmt.Errorf("%w: conversation %d is not (%d x %d)", ErrShape, i, sentences, words)
		}
		sc := b.SentenceCounts[i]
		if sc < 1 || sc > sentences {
			return fmt.Errorf("%w: conversation %d sentence count %d outside [1,%d]", ErrShape, i, sc, sentences)
		}
		for s, sent := range conv {
			if len(sent) != words {
				return fmt.Errorf("%w: conversation %d sentence %d has %d words, want %d", ErrShape, i, s, len(sent), words)
			}
			wc := b.WordCounts[i][s]
			lo := 0
			if s < sc {
				lo = 1
			}
			if wc < lo || wc > words {
				return fmt.Errorf("%w: conversation %d sentence %d word count %d outside [%d,%d]", ErrShape, i, s, wc, lo, words)
			}
			if err := checkIDs(sent, vocab); err != nil {
				return fmt.Errorf("conversation %d sentence %d: %w", i, s, err)
			}
		}
	}
	if len(b.TargetLengths) != 0 && len(b.TargetLengths) != n {
		return fmt.Errorf("%w: %d target lengths for %d conversations", ErrShape, len(b.TargetLengths), n)
	}
	return nil
}

// Validate checks the whole batch, decoder side included.
func (b *Batch) Validate(vocab int) error {
	if err := b.ValidateEncoder(vocab); err != nil {
		return err
	}
	n, _, _ := b.Size()
	if len(b.DecoderInputs) != n || len(b.DecoderTargets) != n || len(b.TargetLengths) != n {
		return fmt.Errorf("%w: decoder tensors need %d rows", ErrShape, n)
	}
	T := len(b.DecoderInputs[0])
	if T == 0 {
		return fmt.Errorf("%w: empty decoder sequence", ErrEmptyBatch)
	}
	for i := 0; i < n; i++ {
		if len(b.DecoderInputs[i]) != T || len(b.DecoderTargets[i]) != T {
			return fmt.Errorf("%w: decoder row %d is not %d long", ErrShape, i, T)
		}
		if l := b.TargetLengths[i]; l < 0 || l > T {
			return fmt.Errorf("%w: target length %d outside [0,%d]", ErrShape, l, T)
		}
		if err := checkIDs(b.DecoderInputs[i], vocab); err != nil {
			return fmt.Errorf("decoder input %d: %w", i, err)
		}
		if err := checkIDs(b.DecoderTargets[i], vocab); err != nil {
			return fmt.Errorf("decoder target %d: %w", i, err)
		}
	}
	return nil
}

func checkIDs(ids []int, vocab int) error {
	for _, id := range ids {
		if id < 0 || id >= vocab {
			return fmt.Errorf("%w: token id %d outside vocab [0,%d)", ErrShape, id, vocab)
		}
	}
	return nil
}

// SequenceMask is (len(lengths) x maxLen) with 1 before each length and 0 after.
func SequenceMask(lengths []int, maxLen int) *mat.Dense {
	m := mat.NewDense(len(lengths), maxLen, nil)
	for i, l := range lengths {
		for t := 0; t < l && t < maxLen; t++ {
			m.Set(i, t, 1)
		}
	}
	return m
}

// StepResult carries the monitored scalars of one batch.
type StepResult struct {
	Total          float64
	KL             float64
	Reconstruction float64
	GradNorm       float64 // before clipping; zero outside TrainStep
}

// Inference is the output of a greedy decode.
type Inference struct {
	Logits []*mat.Dense // per step, (batch x vocab)
	Tokens [][]int      // (batch x steps)
}

// Model owns every trainable parameter, the optimizer state and the two
// random streams (latent noise and negative sampling). It is not safe for
// concurrent use.
type Model struct {
	Config params.ModelConfig

	Embedding *graph.Node // (vocab x embed), never updated

	Words      *WordEncoder
	Sentences  *SentenceEncoder
	Bottleneck *Bottleneck
	Decoder    *Decoder

	Optimizer *optimizations.Adam

	noise   *Noise
	sampler *LogUniformSampler
}

// New validates cfg and builds all parameters once. The embedding table is
// owned by the caller and read through a constant node.
func New(cfg params.ModelConfig, train params.TrainingConfig, embedding *mat.Dense) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedding == nil {
		return nil, fmt.Errorf("%w: nil embedding table", ErrShape)
	}
	if r, c := embedding.Dims(); r != cfg.VocabSize || c != cfg.EmbedDim {
		return nil, fmt.Errorf("%w: embedding is (%d x %d), want (%d x %d)", ErrShape, r, c, cfg.VocabSize, cfg.EmbedDim)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	scale := cfg.InitScale
	m := &Model{
		Config:     cfg,
		Embedding:  graph.Constant(embedding),
		Words:      NewWordEncoder(rng, cfg.EmbedDim, cfg.WordHidden, scale),
		Sentences:  NewSentenceEncoder(rng, 2*cfg.WordHidden, cfg.SentenceHidden, scale),
		Bottleneck: NewBottleneck(rng, 2*cfg.SentenceHidden, cfg.LatentSize, cfg.DecoderHidden, scale),
		Decoder:    NewDecoder(rng, cfg.EmbedDim, cfg.DecoderHidden, 2*cfg.WordHidden, cfg.Attention(), cfg.VocabSize, scale),
	}
	m.Optimizer = optimizations.NewAdam(train, m.Params())
	m.Reseed(cfg.Seed)
	return m, nil
}

// Params lists every trainable node in a fixed order.
func (m *Model) Params() []*graph.Node {
	var ps []*graph.Node
	ps = append(ps, m.Words.RNN.Params()...)
	ps = append(ps, m.Sentences.RNN.Params()...)
	ps = append(ps, m.Bottleneck.Params()...)
	return append(ps, m.Decoder.Params()...)
}

// Reseed restarts the latent noise and the negative sampler.
func (m *Model) Reseed(seed uint64) {
	m.noise = NewNoise(seed)
	m.sampler = NewLogUniformSampler(rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
		m.Config.SoftmaxSamples, m.Config.VocabSize)
}

// encoded is everything the decoder needs from one encoder pass.
type encoded struct {
	init   State
	latent Latent
	ctx    *AttentionContext
}

func (m *Model) encode(g *graph.Graph, b *Batch) encoded {
	n, sentences, _ := b.Size()

	last := make([]int, n)
	for i, sc := range b.SentenceCounts {
		last[i] = sc - 1
	}

	pooled := make([]*graph.Node, sentences)
	var memory []*graph.Node
	for s := 0; s < sentences; s++ {
		ids := make([][]int, n)
		lengths := make([]int, n)
		for i := 0; i < n; i++ {
			ids[i] = b.Conversations[i][s]
			lengths[i] = b.WordCounts[i][s]
		}
		outs := m.Words.Encode(g, m.Embedding, ids, lengths)
		pooled[s] = SumPool(g, outs)

		// Keep the word outputs of each conversation's most recent sentence.
		pick := make([]bool, n)
		for i := range pick {
			pick[i] = last[i] == s
		}
		if memory == nil {
			// SumPool holds outs; memory is rewritten below.
			memory = append([]*graph.Node(nil), outs...)
			continue
		}
		if anyTrue(pick) {
			for w := range memory {
				memory[w] = g.SelectRows(pick, outs[w], memory[w])
			}
		}
	}

	ctxLengths := make([]int, n)
	for i := range ctxLengths {
		ctxLengths[i] = b.WordCounts[i][last[i]]
	}

	enc := m.Sentences.Encode(g, pooled, b.SentenceCounts)
	init, lat := m.Bottleneck.Forward(g, enc, m.noise.Sample(n, m.Config.LatentSize))
	return encoded{
		init:   init,
		latent: lat,
		ctx:    m.Decoder.Attn.Prepare(g, memory, ctxLengths),
	}
}

func (m *Model) losses(g *graph.Graph, b *Batch, annealing float64) Losses {
	enc := m.encode(g, b)
	outs := m.Decoder.ForwardTeacherForced(g, m.Embedding, b.DecoderInputs, b.TargetLengths, enc.init, enc.ctx)
	w, bias := m.Decoder.Proj.Weights()
	mask := SequenceMask(b.TargetLengths, len(b.DecoderTargets[0]))
	recon := SampledSoftmaxLoss(g, outs, b.DecoderTargets, mask, w, bias, m.sampler)
	kl := KLDivergence(g, enc.latent)
	return CompositeLoss(g, recon, kl, annealing)
}

// Loss evaluates the three scalars without touching the parameters.
func (m *Model) Loss(b *Batch, annealing float64) (res StepResult, err error) {
	if err := b.Validate(m.Config.VocabSize); err != nil {
		return StepResult{}, err
	}
	defer recoverShape(&err)

	l := m.losses(graph.New(false), b, annealing)
	res.Total, res.KL, res.Reconstruction = l.Values()
	return res, nil
}

// TrainStep runs forward, backward and one optimizer update. The update is
// applied only after a successful backward pass, and skipped when the loss
// does not depend on any parameter (no target tokens and zero annealing).
func (m *Model) TrainStep(b *Batch, annealing float64) (res StepResult, err error) {
	if err := b.Validate(m.Config.VocabSize); err != nil {
		return StepResult{}, err
	}
	defer func() {
		if err != nil {
			m.Optimizer.ZeroGrad()
		}
	}()
	defer recoverShape(&err)

	g := graph.New(true)
	l := m.losses(g, b, annealing)
	res.Total, res.KL, res.Reconstruction = l.Values()
	if !l.Total.RequiresGrad() {
		return res, nil
	}
	g.Backward(l.Total)
	res.GradNorm = m.Optimizer.Step()
	return res, nil
}

// Infer decodes greedily. The decode length is the longest target length
// when the batch carries any, MaxDecodeLen otherwise.
func (m *Model) Infer(b *Batch) (inf Inference, err error) {
	if err := b.ValidateEncoder(m.Config.VocabSize); err != nil {
		return Inference{}, err
	}
	defer recoverShape(&err)

	maxLen := 0
	for _, l := range b.TargetLengths {
		maxLen = max(maxLen, l)
	}
	if maxLen == 0 {
		maxLen = m.Config.MaxDecodeLen
	}

	g := graph.New(false)
	enc := m.encode(g, b)
	inf.Logits, inf.Tokens = m.Decoder.ForwardAutoregressive(g, m.Embedding, enc.init, enc.ctx,
		m.Config.GoID, m.Config.EOSID, maxLen)
	return inf, nil
}

// recoverShape turns an op panic into an ErrShape error so a bad batch
// aborts without killing the caller.
func recoverShape(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrShape, r)
	}
}
