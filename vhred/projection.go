package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/utils"
	"gonum.org/v1/gonum/mat"
)

// Projection maps decoder outputs to vocabulary logits.
// W is stored (vocab x hidden) so the sampled softmax can gather rows.
type Projection struct {
	W *graph.Node // (vocab x hidden)
	B *graph.Node // (1 x vocab)
}

func NewProjection(rng *rand.Rand, hidden, vocab int, scale float64) *Projection {
	return &Projection{
		W: newWeight(rng, vocab, hidden, hidden, scale),
		B: graph.NewParam(mat.NewDense(1, vocab, nil)),
	}
}

// Forward returns the full dense logits x·Wᵀ + b, (batch x vocab).
func (p *Projection) Forward(g *graph.Graph, x *graph.Node) *graph.Node {
	return g.AddRowVector(g.MatMulT(x, p.W), p.B)
}

// Weights exposes the weight and bias for the sampled-softmax loss.
func (p *Projection) Weights() (w, b *graph.Node) { return p.W, p.B }

func (p *Projection) Params() []*graph.Node { return []*graph.Node{p.W, p.B} }

// newWeight draws a (r x c) trainable matrix from U(-scale, scale);
// scale 0 means 1/sqrt(fanIn).
func newWeight(rng *rand.Rand, r, c, fanIn int, scale float64) *graph.Node {
	return graph.NewParam(mat.NewDense(r, c, utils.RandomArray(rng, r*c, fanIn, scale)))
}
