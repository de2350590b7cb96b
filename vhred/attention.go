package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
)

// AttentionContext is the encoder memory one decode attends over.
// Keys are precomputed once per decode.
type AttentionContext struct {
	Values []*graph.Node // per position, (batch x width)
	Keys   []*graph.Node // per position, (batch x units)
	Valid  [][]bool      // (batch x positions)
}

// Shape reports (batch, positions, width).
func (c *AttentionContext) Shape() (int, int, int) {
	batch, width := c.Values[0].Dims()
	return batch, len(c.Values), width
}

// Attention is additive (Bahdanau) attention:
//
//	e_j = v·tanh(ctx_j·Wk + h·Wq)
//	α   = softmax_j(e) over valid positions
//	a   = [h ‖ Σ α_j ctx_j]·Wa
type Attention struct {
	Wk *graph.Node // (width x units)
	Wq *graph.Node // (hidden x units)
	V  *graph.Node // (units x 1)
	Wa *graph.Node // (hidden+width x hidden)
}

func NewAttention(rng *rand.Rand, hidden, width, units int, scale float64) *Attention {
	return &Attention{
		Wk: newWeight(rng, width, units, width, scale),
		Wq: newWeight(rng, hidden, units, hidden, scale),
		V:  newWeight(rng, units, 1, units, scale),
		Wa: newWeight(rng, hidden+width, hidden, hidden+width, scale),
	}
}

func (a *Attention) Params() []*graph.Node { return []*graph.Node{a.Wk, a.Wq, a.V, a.Wa} }

// Prepare projects the memory into key space once per decode.
func (a *Attention) Prepare(g *graph.Graph, values []*graph.Node, lengths []int) *AttentionContext {
	ctx := &AttentionContext{
		Values: values,
		Keys:   make([]*graph.Node, len(values)),
		Valid:  make([][]bool, len(lengths)),
	}
	for j, v := range values {
		ctx.Keys[j] = g.MatMul(v, a.Wk)
	}
	for i, l := range lengths {
		row := make([]bool, len(values))
		for j := range row {
			row[j] = j < l
		}
		ctx.Valid[i] = row
	}
	return ctx
}

// Apply attends from h (batch x hidden) and returns the attention output
// (batch x hidden) and the weights (batch x positions).
func (a *Attention) Apply(g *graph.Graph, h *graph.Node, ctx *AttentionContext) (out, alpha *graph.Node) {
	q := g.MatMul(h, a.Wq)
	scores := make([]*graph.Node, len(ctx.Keys))
	for j, k := range ctx.Keys {
		scores[j] = g.MatMul(g.Tanh(g.Add(k, q)), a.V)
	}
	alpha = g.RowSoftmaxMasked(g.ConcatCols(scores...), ctx.Valid)

	weighted := make([]*graph.Node, len(ctx.Values))
	for j, v := range ctx.Values {
		weighted[j] = g.MulColumn(v, g.SliceCols(alpha, j, j+1))
	}
	read := g.Sum(weighted...)
	out = g.MatMul(g.ConcatCols(h, read), a.Wa)
	return out, alpha
}
