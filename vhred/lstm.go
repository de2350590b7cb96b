package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"gonum.org/v1/gonum/mat"
)

// State is an LSTM (hidden, cell) pair, each (batch x hidden).
type State struct {
	H, C *graph.Node
}

func ZeroState(batch, hidden int) State {
	return State{H: graph.Zeros(batch, hidden), C: graph.Zeros(batch, hidden)}
}

// LSTMCell computes one step with fused gates in the order i, g, f, o:
//
//	z  = x·Wx + h·Wh + b
//	c' = σ(f)⊙c + σ(i)⊙tanh(g)
//	h' = σ(o)⊙tanh(c')
type LSTMCell struct {
	Hidden int

	Wx *graph.Node // (in x 4H)
	Wh *graph.Node // (H x 4H)
	B  *graph.Node // (1 x 4H)
}

func NewLSTMCell(rng *rand.Rand, in, hidden int, scale float64) *LSTMCell {
	b := mat.NewDense(1, 4*hidden, nil)
	for j := 2 * hidden; j < 3*hidden; j++ {
		b.Set(0, j, 1.0) // forget bias
	}
	return &LSTMCell{
		Hidden: hidden,
		Wx:     newWeight(rng, in, 4*hidden, in, scale),
		Wh:     newWeight(rng, hidden, 4*hidden, hidden, scale),
		B:      graph.NewParam(b),
	}
}

func (c *LSTMCell) Params() []*graph.Node { return []*graph.Node{c.Wx, c.Wh, c.B} }

func (c *LSTMCell) Step(g *graph.Graph, x *graph.Node, s State) State {
	H := c.Hidden
	z := g.AddRowVector(g.Add(g.MatMul(x, c.Wx), g.MatMul(s.H, c.Wh)), c.B)
	i := g.Sigmoid(g.SliceCols(z, 0, H))
	u := g.Tanh(g.SliceCols(z, H, 2*H))
	f := g.Sigmoid(g.SliceCols(z, 2*H, 3*H))
	o := g.Sigmoid(g.SliceCols(z, 3*H, 4*H))

	cNext := g.Add(g.Mul(f, s.C), g.Mul(i, u))
	hNext := g.Mul(o, g.Tanh(cNext))
	return State{H: hNext, C: cNext}
}

// StepMasked advances only the rows where active is true; the other rows
// keep their previous state.
func (c *LSTMCell) StepMasked(g *graph.Graph, x *graph.Node, s State, active []bool) State {
	next := c.Step(g, x, s)
	if allTrue(active) {
		return next
	}
	return State{
		H: g.SelectRows(active, next.H, s.H),
		C: g.SelectRows(active, next.C, s.C),
	}
}

// BiLSTM runs two independent cells over a length-masked sequence.
type BiLSTM struct {
	Fw, Bw *LSTMCell
}

func NewBiLSTM(rng *rand.Rand, in, hidden int, scale float64) *BiLSTM {
	return &BiLSTM{
		Fw: NewLSTMCell(rng, in, hidden, scale),
		Bw: NewLSTMCell(rng, in, hidden, scale),
	}
}

func (b *BiLSTM) Params() []*graph.Node {
	return append(b.Fw.Params(), b.Bw.Params()...)
}

// Run consumes xs (one (batch x in) node per step) and returns per-step
// outputs [h_fw ‖ h_bw] together with both final states. Steps at or past
// a row's length leave its state untouched and output zeros, so the
// backward pass effectively starts at the last valid step.
func (b *BiLSTM) Run(g *graph.Graph, xs []*graph.Node, lengths []int) (outs []*graph.Node, fw, bw State) {
	T := len(xs)
	if T == 0 {
		panic("vhred.BiLSTM: empty sequence")
	}
	batch, _ := xs[0].Dims()
	if len(lengths) != batch {
		panic("vhred.BiLSTM: lengths/batch shape mismatch")
	}

	fwH := make([]*graph.Node, T)
	fw = ZeroState(batch, b.Fw.Hidden)
	for t := 0; t < T; t++ {
		fw = b.Fw.StepMasked(g, xs[t], fw, activeAt(lengths, t))
		fwH[t] = fw.H
	}

	bwH := make([]*graph.Node, T)
	bw = ZeroState(batch, b.Bw.Hidden)
	for t := T - 1; t >= 0; t-- {
		bw = b.Bw.StepMasked(g, xs[t], bw, activeAt(lengths, t))
		bwH[t] = bw.H
	}

	outs = make([]*graph.Node, T)
	for t := 0; t < T; t++ {
		out := g.ConcatCols(fwH[t], bwH[t])
		if active := activeAt(lengths, t); !allTrue(active) {
			out = g.MulRows(out, maskWeights(active))
		}
		outs[t] = out
	}
	return outs, fw, bw
}

func activeAt(lengths []int, t int) []bool {
	a := make([]bool, len(lengths))
	for i, l := range lengths {
		a[i] = t < l
	}
	return a
}

func allTrue(xs []bool) bool {
	for _, x := range xs {
		if !x {
			return false
		}
	}
	return true
}

func maskWeights(active []bool) []float64 {
	w := make([]float64, len(active))
	for i, a := range active {
		if a {
			w[i] = 1
		}
	}
	return w
}
