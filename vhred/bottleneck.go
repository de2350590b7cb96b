package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Latent holds the diagonal Gaussian posterior, each (batch x latent).
type Latent struct {
	Mean, LogVar *graph.Node
}

// Noise draws i.i.d. standard normal matrices for the reparameterization.
type Noise struct {
	dist distuv.Normal
}

func NewNoise(seed uint64) *Noise {
	return &Noise{dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}}
}

func (n *Noise) Sample(r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = n.dist.Rand()
	}
	return mat.NewDense(r, c, data)
}

// Bottleneck maps the sentence encoder state to a latent sample and from
// there to the decoder's initial hidden state. The cell state passes
// through unchanged.
type Bottleneck struct {
	WMean, BMean     *graph.Node // (in x latent), (1 x latent)
	WLogVar, BLogVar *graph.Node
	WOut, BOut       *graph.Node // (latent x out), (1 x out)
}

func NewBottleneck(rng *rand.Rand, in, latent, out int, scale float64) *Bottleneck {
	return &Bottleneck{
		WMean:   newWeight(rng, in, latent, in, scale),
		BMean:   graph.NewParam(mat.NewDense(1, latent, nil)),
		WLogVar: newWeight(rng, in, latent, in, scale),
		BLogVar: graph.NewParam(mat.NewDense(1, latent, nil)),
		WOut:    newWeight(rng, latent, out, latent, scale),
		BOut:    graph.NewParam(mat.NewDense(1, out, nil)),
	}
}

func (b *Bottleneck) Params() []*graph.Node {
	return []*graph.Node{b.WMean, b.BMean, b.WLogVar, b.BLogVar, b.WOut, b.BOut}
}

// Forward samples z = mean + exp(0.5*logvar)⊙eps with eps (batch x latent)
// and returns the decoder's initial state and the posterior parameters.
func (b *Bottleneck) Forward(g *graph.Graph, enc State, eps *mat.Dense) (State, Latent) {
	mean := g.AddRowVector(g.MatMul(enc.H, b.WMean), b.BMean)
	logVar := g.AddRowVector(g.MatMul(enc.H, b.WLogVar), b.BLogVar)

	std := g.Exp(g.Scale(0.5, logVar))
	z := g.Add(mean, g.Mul(std, graph.Constant(eps)))

	h0 := g.AddRowVector(g.MatMul(z, b.WOut), b.BOut)
	return State{H: h0, C: enc.C}, Latent{Mean: mean, LogVar: logVar}
}
