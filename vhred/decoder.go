package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/utils"
	"gonum.org/v1/gonum/mat"
)

// Decoder is the attention decoder. Teacher-forced and autoregressive
// decoding both run through the same cell, attention and projection, so
// there is exactly one copy of every decoder weight.
//
// Each step feeds x_t = [embed(y_{t-1}) ‖ a_{t-1}] into the cell, attends
// from the new hidden state and emits the attention output a_t.
type Decoder struct {
	Hidden int

	Cell *LSTMCell
	Attn *Attention
	Proj *Projection
}

func NewDecoder(rng *rand.Rand, embedDim, hidden, ctxWidth, units, vocab int, scale float64) *Decoder {
	return &Decoder{
		Hidden: hidden,
		Cell:   NewLSTMCell(rng, embedDim+hidden, hidden, scale),
		Attn:   NewAttention(rng, hidden, ctxWidth, units, scale),
		Proj:   NewProjection(rng, hidden, vocab, scale),
	}
}

func (d *Decoder) Params() []*graph.Node {
	ps := d.Cell.Params()
	ps = append(ps, d.Attn.Params()...)
	return append(ps, d.Proj.Params()...)
}

func (d *Decoder) step(g *graph.Graph, emb *graph.Node, ids []int, prev *graph.Node, s State, ctx *AttentionContext, active []bool) (State, *graph.Node) {
	x := g.ConcatCols(g.Gather(emb, ids), prev)
	next := d.Cell.StepMasked(g, x, s, active)
	out, _ := d.Attn.Apply(g, next.H, ctx)
	if !allTrue(active) {
		out = g.SelectRows(active, out, prev)
	}
	return next, out
}

// ForwardTeacherForced decodes inputs (batch x T) and returns one
// (batch x hidden) output per step. Rows past their length carry their
// state; their outputs are meant to be masked out by the loss.
func (d *Decoder) ForwardTeacherForced(g *graph.Graph, emb *graph.Node, inputs [][]int, lengths []int, init State, ctx *AttentionContext) []*graph.Node {
	batch := len(inputs)
	T := len(inputs[0])
	s := init
	prev := graph.Zeros(batch, d.Hidden)
	outs := make([]*graph.Node, T)
	for t := 0; t < T; t++ {
		s, prev = d.step(g, emb, column(inputs, t), prev, s, ctx, activeAt(lengths, t))
		outs[t] = prev
	}
	return outs
}

// ForwardAutoregressive decodes greedily from goID, feeding back the argmax
// of each step's logits. A row that emits eosID is finished and is padded
// with eosID afterwards. Decoding stops once every row has finished or
// maxLen steps were produced. It returns the per-step (batch x vocab)
// logits and the (batch x steps) tokens.
func (d *Decoder) ForwardAutoregressive(g *graph.Graph, emb *graph.Node, init State, ctx *AttentionContext, goID, eosID, maxLen int) ([]*mat.Dense, [][]int) {
	batch, _ := init.H.Dims()
	s := init
	prev := graph.Zeros(batch, d.Hidden)

	ids := make([]int, batch)
	for i := range ids {
		ids[i] = goID
	}
	active := allActive(batch)
	tokens := make([][]int, batch)

	var logits []*mat.Dense
	for t := 0; t < maxLen; t++ {
		s, prev = d.step(g, emb, ids, prev, s, ctx, allActive(batch))
		l := d.Proj.Forward(g, prev).Value
		logits = append(logits, l)

		next := utils.RowArgmax(l)
		for i := range next {
			if !active[i] {
				next[i] = eosID
			} else if next[i] == eosID {
				active[i] = false
			}
			tokens[i] = append(tokens[i], next[i])
		}
		ids = next
		if !anyTrue(active) {
			break
		}
	}
	return logits, tokens
}

func allActive(n int) []bool {
	a := make([]bool, n)
	for i := range a {
		a[i] = true
	}
	return a
}

func anyTrue(xs []bool) bool {
	for _, x := range xs {
		if x {
			return true
		}
	}
	return false
}
