package vhred

import (
	"math"
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
	"gonum.org/v1/gonum/mat"
)

// accidentalHit is added to a sampled logit that equals the row's label.
const accidentalHit = -1e30

// LogUniformSampler draws distinct candidate classes from the Zipfian
// distribution P(k) = log((k+2)/(k+1)) / log(range+1), which suits vocabularies
// sorted by decreasing frequency.
type LogUniformSampler struct {
	NumSampled int
	Range      int

	rng      *rand.Rand
	logRange float64
}

func NewLogUniformSampler(rng *rand.Rand, numSampled, rangeMax int) *LogUniformSampler {
	return &LogUniformSampler{
		NumSampled: numSampled,
		Range:      rangeMax,
		rng:        rng,
		logRange:   math.Log(float64(rangeMax) + 1),
	}
}

// Exact reports whether the loss should fall back to the full softmax.
func (s *LogUniformSampler) Exact() bool {
	return s == nil || s.NumSampled <= 0 || s.NumSampled >= s.Range
}

func (s *LogUniformSampler) Prob(k int) float64 {
	return (math.Log(float64(k)+2) - math.Log(float64(k)+1)) / s.logRange
}

// Sample returns NumSampled distinct classes and the number of draws it
// took to collect them.
func (s *LogUniformSampler) Sample() ([]int, int) {
	seen := make(map[int]bool, s.NumSampled)
	out := make([]int, 0, s.NumSampled)
	tries := 0
	for len(out) < s.NumSampled {
		tries++
		k := int(math.Exp(s.rng.Float64()*s.logRange)) - 1
		if k >= s.Range {
			k = s.Range - 1
		}
		if k < 0 {
			k = 0
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, tries
}

// ExpectedCount is the expected number of times k shows up in tries draws.
func (s *LogUniformSampler) ExpectedCount(k, tries int) float64 {
	return -math.Expm1(float64(tries) * math.Log1p(-s.Prob(k)))
}

// SampledSoftmaxLoss is the masked mean cross-entropy of hidden (T nodes of
// (batch x H)) against targets (batch x T). Every position with positive
// mask weight is scored against its label and one shared set of sampled
// negatives; the sampled logits are corrected by -log(expected count) and
// accidental hits are removed. An exact sampler gives the full softmax.
func SampledSoftmaxLoss(g *graph.Graph, hidden []*graph.Node, targets [][]int, mask *mat.Dense, w, b *graph.Node, sampler *LogUniformSampler) *graph.Node {
	batch, _ := hidden[0].Dims()
	var rows, labels []int
	var weights []float64
	total := 0.0
	for t := range hidden {
		for i := 0; i < batch; i++ {
			m := mask.At(i, t)
			if m <= 0 {
				continue
			}
			rows = append(rows, t*batch+i)
			labels = append(labels, targets[i][t])
			weights = append(weights, m)
			total += m
		}
	}
	if total == 0 {
		return graph.Zeros(1, 1)
	}

	x := g.Gather(g.ConcatRows(hidden...), rows) // (N x H)
	var logits *graph.Node
	var classes []int
	if sampler.Exact() {
		logits = g.AddRowVector(g.MatMulT(x, w), b)
		classes = labels
	} else {
		logits = sampledLogits(g, x, labels, w, b, sampler)
		classes = make([]int, len(labels)) // true class sits in column 0
	}
	xent := g.MulRows(g.SoftmaxCrossEntropy(logits, classes), weights)
	return g.Scale(1/total, g.SumAll(xent))
}

func sampledLogits(g *graph.Graph, x *graph.Node, labels []int, w, b *graph.Node, sampler *LogUniformSampler) *graph.Node {
	sampled, tries := sampler.Sample()
	n := len(labels)
	bt := g.Transpose(b) // (vocab x 1)

	trueLogit := g.Add(g.RowSum(g.Mul(x, g.Gather(w, labels))), g.Gather(bt, labels))
	trueAdj := mat.NewDense(n, 1, nil)
	for i, l := range labels {
		trueAdj.Set(i, 0, -math.Log(sampler.ExpectedCount(l, tries)))
	}
	trueLogit = g.Add(trueLogit, graph.Constant(trueAdj))

	negLogit := g.AddRowVector(g.MatMulT(x, g.Gather(w, sampled)), g.Transpose(g.Gather(bt, sampled)))
	negAdj := mat.NewDense(n, len(sampled), nil)
	for j, k := range sampled {
		c := -math.Log(sampler.ExpectedCount(k, tries))
		for i, l := range labels {
			if k == l {
				negAdj.Set(i, j, accidentalHit)
			} else {
				negAdj.Set(i, j, c)
			}
		}
	}
	negLogit = g.Add(negLogit, graph.Constant(negAdj))

	return g.ConcatCols(trueLogit, negLogit)
}

// KLDivergence is KL(N(mean, exp(logvar)) ‖ N(0, I)) summed over latent
// dimensions and averaged over the batch.
func KLDivergence(g *graph.Graph, lat Latent) *graph.Node {
	batch, _ := lat.Mean.Dims()
	inner := g.AddScalar(1, g.Sub(g.Sub(lat.LogVar, g.Square(lat.Mean)), g.Exp(lat.LogVar)))
	return g.Scale(-0.5/float64(batch), g.SumAll(inner))
}

// Losses are the three monitored scalars; only Total is optimized.
type Losses struct {
	Total          *graph.Node
	KL             *graph.Node
	Reconstruction *graph.Node
}

// CompositeLoss returns annealing*KL + reconstruction. A zero annealing
// weight drops the KL term entirely.
func CompositeLoss(g *graph.Graph, recon, kl *graph.Node, annealing float64) Losses {
	total := recon
	if annealing != 0 {
		total = g.Add(g.Scale(annealing, kl), recon)
	}
	return Losses{Total: total, KL: kl, Reconstruction: recon}
}

func (l Losses) Values() (total, kl, recon float64) {
	return l.Total.Scalar(), l.KL.Scalar(), l.Reconstruction.Scalar()
}
