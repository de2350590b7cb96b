package vhred

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/utils"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func tinyConfig() params.Config {
	cfg := params.Default()
	cfg.Model.VocabSize = 50
	cfg.Model.EmbedDim = 6
	cfg.Model.WordHidden = 8
	cfg.Model.SentenceHidden = 4
	cfg.Model.DecoderHidden = 8
	cfg.Model.LatentSize = 5
	cfg.Model.AttentionUnits = 6
	cfg.Model.SoftmaxSamples = 0
	cfg.Model.MaxDecodeLen = 6
	cfg.Model.InitScale = 0.3
	cfg.Model.Seed = 11
	cfg.Training.LearningRate = 0.01
	return cfg
}

func tinyEmbedding(cfg params.ModelConfig) *mat.Dense {
	rng := rand.New(rand.NewPCG(99, 100))
	return mat.NewDense(cfg.VocabSize, cfg.EmbedDim,
		utils.RandomArray(rng, cfg.VocabSize*cfg.EmbedDim, cfg.EmbedDim, 0.5))
}

func newTinyModel(t *testing.T, cfg params.Config) *Model {
	t.Helper()
	m, err := New(cfg.Model, cfg.Training, tinyEmbedding(cfg.Model))
	require.NoError(t, err)
	return m
}

// batch=2, sentences=3, words=4 with uneven counts.
func tinyBatch() *Batch {
	return &Batch{
		Conversations: [][][]int{
			{{4, 5, 6, 7}, {8, 9, 0, 0}, {10, 11, 12, 0}},
			{{13, 0, 0, 0}, {14, 15, 16, 17}, {0, 0, 0, 0}},
		},
		WordCounts:     [][]int{{4, 2, 3}, {1, 4, 0}},
		SentenceCounts: []int{3, 2},
		DecoderInputs:  [][]int{{1, 20, 21, 22}, {1, 23, 0, 0}},
		DecoderTargets: [][]int{{20, 21, 22, 2}, {23, 2, 0, 0}},
		TargetLengths:  []int{4, 2},
	}
}

// padDecoder appends extra zero-weight pad positions to the decoder tensors.
func padDecoder(b *Batch, extra int) *Batch {
	out := *b
	out.DecoderInputs = make([][]int, len(b.DecoderInputs))
	out.DecoderTargets = make([][]int, len(b.DecoderTargets))
	for i := range b.DecoderInputs {
		out.DecoderInputs[i] = append(append([]int(nil), b.DecoderInputs[i]...), make([]int, extra)...)
		out.DecoderTargets[i] = append(append([]int(nil), b.DecoderTargets[i]...), make([]int, extra)...)
	}
	return &out
}

func TestSequenceMask(t *testing.T) {
	m := SequenceMask([]int{0, 2, 5}, 3)
	require.Equal(t, []float64{0, 0, 0, 1, 1, 0, 1, 1, 1}, m.RawMatrix().Data)
}

func TestEncoderShapes(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)

	enc := m.encode(graph.New(false), tinyBatch())
	r, c := enc.init.H.Dims()
	require.Equal(t, []int{2, cfg.Model.DecoderHidden}, []int{r, c})
	r, c = enc.init.C.Dims()
	require.Equal(t, []int{2, cfg.Model.DecoderHidden}, []int{r, c})

	batch, positions, width := enc.ctx.Shape()
	require.Equal(t, []int{2, 4, 2 * cfg.Model.WordHidden}, []int{batch, positions, width})

	r, c = enc.latent.Mean.Dims()
	require.Equal(t, []int{2, cfg.Model.LatentSize}, []int{r, c})
}

func TestAttentionContextIsLastValidSentence(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	b := tinyBatch()
	g := graph.New(false)
	enc := m.encode(g, b)

	// Conversation 1 ends at sentence 1 (4 words); conversation 0 at sentence 2 (3 words).
	require.Equal(t, []bool{true, true, true, false}, enc.ctx.Valid[0])
	require.Equal(t, []bool{true, true, true, true}, enc.ctx.Valid[1])

	ids := [][]int{b.Conversations[0][2], b.Conversations[1][1]}
	outs := m.Words.Encode(g, m.Embedding, ids, []int{3, 4})
	for w := range outs {
		require.InDeltaSlice(t, outs[w].Value.RawRowView(0), enc.ctx.Values[w].Value.RawRowView(0), 1e-12)
		require.InDeltaSlice(t, outs[w].Value.RawRowView(1), enc.ctx.Values[w].Value.RawRowView(1), 1e-12)
	}
}

func TestKLIsNonNegative(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	g := graph.New(false)
	for trial := 0; trial < 200; trial++ {
		mean := mat.NewDense(3, 4, utils.RandomArray(rng, 12, 1, 3))
		logVar := mat.NewDense(3, 4, utils.RandomArray(rng, 12, 1, 4))
		kl := KLDivergence(g, Latent{Mean: graph.Constant(mean), LogVar: graph.Constant(logVar)})
		require.GreaterOrEqual(t, kl.Scalar(), -1e-9)
	}

	zero := KLDivergence(g, Latent{Mean: graph.Zeros(2, 3), LogVar: graph.Zeros(2, 3)})
	require.InDelta(t, 0, zero.Scalar(), 1e-15)
}

func TestKLValue(t *testing.T) {
	g := graph.New(false)
	mean := graph.Constant(mat.NewDense(2, 1, []float64{1, 0}))
	logVar := graph.Constant(mat.NewDense(2, 1, []float64{0, math.Log(2)}))
	// row 0: 0.5*1 ; row 1: -0.5*(1 + ln2 - 2)
	want := (0.5 + -0.5*(1+math.Log(2)-2)) / 2
	require.InDelta(t, want, KLDivergence(g, Latent{Mean: mean, LogVar: logVar}).Scalar(), 1e-12)
}

func TestReconstructionIgnoresPadding(t *testing.T) {
	for _, samples := range []int{0, 10} {
		cfg := tinyConfig()
		cfg.Model.SoftmaxSamples = samples
		m := newTinyModel(t, cfg)

		m.Reseed(3)
		base, err := m.Loss(tinyBatch(), 1)
		require.NoError(t, err)

		for _, extra := range []int{1, 3} {
			m.Reseed(3)
			padded, err := m.Loss(padDecoder(tinyBatch(), extra), 1)
			require.NoError(t, err)
			require.InDeltaf(t, base.Reconstruction, padded.Reconstruction, 1e-12, "samples=%d extra=%d", samples, extra)
		}
	}
}

func TestDecoderModesShareWeights(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	w, b := m.Decoder.Proj.Weights()
	require.Same(t, m.Decoder.Proj.W, w)
	require.Same(t, m.Decoder.Proj.B, b)

	m.Reseed(1)
	before, err := m.Infer(tinyBatch())
	require.NoError(t, err)

	// A teacher-forced backward pass writes into the same nodes inference reads.
	m.Reseed(1)
	g := graph.New(true)
	g.Backward(m.losses(g, tinyBatch(), 1).Total)
	require.NotZero(t, utils.MatrixNorm(m.Decoder.Attn.Wa.Grad))
	require.NotZero(t, utils.MatrixNorm(m.Decoder.Cell.Wx.Grad))
	m.Optimizer.ZeroGrad()

	m.Decoder.Attn.Wa.Value.Set(0, 0, m.Decoder.Attn.Wa.Value.At(0, 0)+1)
	m.Reseed(1)
	after, err := m.Infer(tinyBatch())
	require.NoError(t, err)
	require.NotEqual(t, before.Logits[0].RawMatrix().Data, after.Logits[0].RawMatrix().Data)
}

func TestZeroAnnealingDropsKL(t *testing.T) {
	cfg := tinyConfig()
	cfg.Model.SoftmaxSamples = 10
	m := newTinyModel(t, cfg)

	// "hello there" -> "hi" <eos>
	b := &Batch{
		Conversations:  [][][]int{{{30, 31}}},
		WordCounts:     [][]int{{2}},
		SentenceCounts: []int{1},
		DecoderInputs:  [][]int{{cfg.Model.GoID, 32}},
		DecoderTargets: [][]int{{32, cfg.Model.EOSID}},
		TargetLengths:  []int{2},
	}
	res, err := m.Loss(b, 0)
	require.NoError(t, err)
	require.Equal(t, res.Reconstruction, res.Total)
	require.Greater(t, res.KL, 0.0)

	res, err = m.TrainStep(b, 0)
	require.NoError(t, err)
	require.Equal(t, res.Reconstruction, res.Total)
}

func TestInferIsDeterministicForSeed(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	b := tinyBatch()

	m.Reseed(7)
	a, err := m.Infer(b)
	require.NoError(t, err)
	m.Reseed(7)
	c, err := m.Infer(b)
	require.NoError(t, err)
	require.Equal(t, a.Tokens, c.Tokens)

	// max(TargetLengths) caps the decode.
	require.LessOrEqual(t, len(a.Tokens[0]), 4)
	require.Len(t, a.Logits, len(a.Tokens[0]))
	r, cols := a.Logits[0].Dims()
	require.Equal(t, []int{2, 50}, []int{r, cols})

	// The first step depends on the input only through the latent sample.
	m.Reseed(8)
	d, err := m.Infer(b)
	require.NoError(t, err)
	require.False(t, mat.Equal(a.Logits[0], d.Logits[0]))
	require.False(t, mat.Equal(NewNoise(7).Sample(2, 5), NewNoise(8).Sample(2, 5)))
}

func TestInferWithoutTargetsUsesMaxDecodeLen(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	b := tinyBatch()
	b.DecoderInputs, b.DecoderTargets, b.TargetLengths = nil, nil, nil

	inf, err := m.Infer(b)
	require.NoError(t, err)
	for _, row := range inf.Tokens {
		require.LessOrEqual(t, len(row), cfg.Model.MaxDecodeLen)
		for i, tok := range row {
			if tok == cfg.Model.EOSID {
				for _, rest := range row[i:] {
					require.Equal(t, cfg.Model.EOSID, rest)
				}
				break
			}
		}
	}
}

func TestModelGradCheck(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	b := tinyBatch()
	const annealing = 0.7

	m.Reseed(2)
	g := graph.New(true)
	g.Backward(m.losses(g, b, annealing).Total)

	forward := func() float64 {
		m.Reseed(2)
		return m.losses(graph.New(false), b, annealing).Total.Scalar()
	}

	checks := []struct {
		name string
		p    *graph.Node
		i, j int
	}{
		{"word fw Wx", m.Words.RNN.Fw.Wx, 0, 3},
		{"word bw Wh", m.Words.RNN.Bw.Wh, 1, 2},
		{"sentence fw B", m.Sentences.RNN.Fw.B, 0, 5},
		{"sentence bw Wx", m.Sentences.RNN.Bw.Wx, 2, 1},
		{"mean W", m.Bottleneck.WMean, 3, 2},
		{"logvar W", m.Bottleneck.WLogVar, 1, 4},
		{"out W", m.Bottleneck.WOut, 2, 7},
		{"decoder Wx", m.Decoder.Cell.Wx, 7, 9},
		{"decoder Wh", m.Decoder.Cell.Wh, 0, 30},
		{"attn Wk", m.Decoder.Attn.Wk, 5, 1},
		{"attn Wq", m.Decoder.Attn.Wq, 2, 3},
		{"attn v", m.Decoder.Attn.V, 4, 0},
		{"attn Wa", m.Decoder.Attn.Wa, 10, 6},
		{"proj W", m.Decoder.Proj.W, 21, 3},
		{"proj b", m.Decoder.Proj.B, 0, 2},
	}
	eps := 1e-5
	for _, c := range checks {
		w0 := c.p.Value.At(c.i, c.j)
		c.p.Value.Set(c.i, c.j, w0+eps)
		lp := forward()
		c.p.Value.Set(c.i, c.j, w0-eps)
		lm := forward()
		c.p.Value.Set(c.i, c.j, w0)

		num := (lp - lm) / (2 * eps)
		ana := c.p.Grad.At(c.i, c.j)
		require.InDeltaf(t, num, ana, 1e-6+1e-4*math.Abs(num), "%s[%d,%d]: num=%.6g ana=%.6g", c.name, c.i, c.j, num, ana)
	}
}

// encoderObjective reduces every encoder output to a scalar. Attention
// values are weighted by position so each slot of the memory matters.
func encoderObjective(g *graph.Graph, enc encoded) *graph.Node {
	out := g.SumAll(g.Square(enc.init.H))
	out = g.Add(out, g.SumAll(enc.latent.Mean))
	for j, v := range enc.ctx.Values {
		out = g.Add(out, g.Scale(float64(j+1), g.SumAll(g.Square(v))))
	}
	return out
}

func TestEncoderGradCheck(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	// Three sentence slots; the last valid sentence is slot 2, 0 and 1.
	b := &Batch{
		Conversations: [][][]int{
			{{4, 5, 0}, {6, 7, 8}, {9, 0, 0}},
			{{10, 11, 12}, {0, 0, 0}, {0, 0, 0}},
			{{13, 0, 0}, {14, 15, 0}, {0, 0, 0}},
		},
		WordCounts:     [][]int{{2, 3, 1}, {3, 0, 0}, {1, 2, 0}},
		SentenceCounts: []int{3, 1, 2},
	}
	require.NoError(t, b.ValidateEncoder(m.Config.VocabSize))

	m.Reseed(3)
	g := graph.New(true)
	g.Backward(encoderObjective(g, m.encode(g, b)))

	forward := func() float64 {
		m.Reseed(3)
		g := graph.New(false)
		return encoderObjective(g, m.encode(g, b)).Scalar()
	}
	eps := 1e-5
	for _, p := range []struct {
		name string
		node *graph.Node
	}{
		{"word fw Wx", m.Words.RNN.Fw.Wx},
		{"word bw Wx", m.Words.RNN.Bw.Wx},
		{"word fw Wh", m.Words.RNN.Fw.Wh},
	} {
		r, c := p.node.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				w0 := p.node.Value.At(i, j)
				p.node.Value.Set(i, j, w0+eps)
				lp := forward()
				p.node.Value.Set(i, j, w0-eps)
				lm := forward()
				p.node.Value.Set(i, j, w0)

				num := (lp - lm) / (2 * eps)
				ana := p.node.Grad.At(i, j)
				require.InDeltaf(t, num, ana, 1e-6+1e-4*math.Abs(num),
					"%s[%d,%d]: num=%.6g ana=%.6g", p.name, i, j, num, ana)
			}
		}
	}
}

func TestTrainStepSkipsConstantLoss(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	b := tinyBatch()
	b.TargetLengths = []int{0, 0}
	before := mat.DenseCopyOf(m.Decoder.Proj.W.Value)

	for i := 0; i < 2; i++ {
		res, err := m.TrainStep(b, 0)
		require.NoError(t, err)
		require.Zero(t, res.Total)
		require.Zero(t, res.GradNorm)
	}
	require.Zero(t, m.Optimizer.T)
	require.True(t, mat.Equal(before, m.Decoder.Proj.W.Value))
}

func TestTrainStepLowersLoss(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	b := tinyBatch()

	m.Reseed(4)
	before, err := m.Loss(b, 0.1)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		res, err := m.TrainStep(b, 0.1)
		require.NoError(t, err)
		require.False(t, math.IsNaN(res.Total))
	}

	m.Reseed(4)
	after, err := m.Loss(b, 0.1)
	require.NoError(t, err)
	require.Less(t, after.Reconstruction, before.Reconstruction)
	require.Equal(t, 40, m.Optimizer.T)
}

func TestTrainStepRejectsBadBatch(t *testing.T) {
	m := newTinyModel(t, tinyConfig())
	before := mat.DenseCopyOf(m.Decoder.Proj.W.Value)

	b := tinyBatch()
	b.DecoderTargets[1] = b.DecoderTargets[1][:2]
	_, err := m.TrainStep(b, 1)
	require.ErrorIs(t, err, ErrShape)
	require.True(t, mat.Equal(before, m.Decoder.Proj.W.Value))
	require.Zero(t, m.Optimizer.T)
}

func TestBatchValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(b *Batch)
		want   error
	}{
		{"ok", func(b *Batch) {}, nil},
		{"empty", func(b *Batch) { b.Conversations = nil }, ErrEmptyBatch},
		{"sentence count too big", func(b *Batch) { b.SentenceCounts[0] = 4 }, ErrShape},
		{"sentence count zero", func(b *Batch) { b.SentenceCounts[1] = 0 }, ErrShape},
		{"empty valid sentence", func(b *Batch) { b.WordCounts[0][1] = 0 }, ErrShape},
		{"ragged words", func(b *Batch) { b.Conversations[1][2] = []int{0, 0} }, ErrShape},
		{"token outside vocab", func(b *Batch) { b.Conversations[0][0][1] = 50 }, ErrShape},
		{"target length too long", func(b *Batch) { b.TargetLengths[0] = 5 }, ErrShape},
		{"missing lengths", func(b *Batch) { b.TargetLengths = b.TargetLengths[:1] }, ErrShape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := tinyBatch()
			tc.mutate(b)
			err := b.Validate(50)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig()
	cfg.Model.DecoderHidden = 10
	_, err := New(cfg.Model, cfg.Training, tinyEmbedding(cfg.Model))
	require.ErrorIs(t, err, params.ErrInvalidConfig)

	cfg = tinyConfig()
	_, err = New(cfg.Model, cfg.Training, mat.NewDense(3, 3, nil))
	require.ErrorIs(t, err, ErrShape)
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	m := newTinyModel(t, cfg)
	_, err := m.TrainStep(tinyBatch(), 0.5)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ckpt", "model.gob")
	meta := CheckpointMeta{RunID: "run-1", Step: 1, Vocab: []string{"<pad>", "<go>"}}
	require.NoError(t, m.Save(path, meta))

	loaded, gotMeta, err := Load(path, cfg.Training)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, m.Optimizer.T, loaded.Optimizer.T)

	want := m.Params()
	for i, p := range loaded.Params() {
		require.Truef(t, mat.Equal(want[i].Value, p.Value), "param %d", i)
		require.Truef(t, mat.Equal(m.Optimizer.M[i], loaded.Optimizer.M[i]), "m %d", i)
	}

	m.Reseed(9)
	a, err := m.Infer(tinyBatch())
	require.NoError(t, err)
	loaded.Reseed(9)
	b, err := loaded.Infer(tinyBatch())
	require.NoError(t, err)
	require.Equal(t, a.Tokens, b.Tokens)
}
