package optimizations

import (
	"math"

	"github.com/manningwu07/vhred/graph"
	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/utils"
	"gonum.org/v1/gonum/mat"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		prow, grow := p.RawRowView(i), g.RawRowView(i)
		mrow, vrow := m.RawRowView(i), v.RawRowView(i)
		for j := 0; j < pc; j++ {
			gij := grow[j]
			mrow[j] = beta1*mrow[j] + (1.0-beta1)*gij
			vrow[j] = beta2*vrow[j] + (1.0-beta2)*gij*gij
			mhat := mrow[j] * c1
			vhat := vrow[j] * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*prow[j]
			prow[j] -= lr * update
		}
	}
}

// Adam owns the first/second moment estimates for a fixed parameter list.
type Adam struct {
	LearningRate float64
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	GradClip     float64 // <=0 disables

	T      int
	Params []*graph.Node
	M, V   []*mat.Dense
}

func NewAdam(cfg params.TrainingConfig, ps []*graph.Node) *Adam {
	a := &Adam{
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.AdamBeta1,
		Beta2:        cfg.AdamBeta2,
		Eps:          cfg.AdamEps,
		WeightDecay:  cfg.WeightDecay,
		GradClip:     cfg.GradClip,
		Params:       ps,
		M:            make([]*mat.Dense, len(ps)),
		V:            make([]*mat.Dense, len(ps)),
	}
	for i, p := range ps {
		a.M[i] = utils.ZerosLike(p.Value)
		a.V[i] = utils.ZerosLike(p.Value)
	}
	return a
}

// Step clips the accumulated gradients to GradClip, applies one update to
// every parameter and zeroes the gradients. It returns the gradient norm
// measured before clipping.
func (a *Adam) Step() float64 {
	grads := make([]*mat.Dense, len(a.Params))
	total := 0.0
	for i, p := range a.Params {
		grads[i] = p.Grad
		if p.Grad != nil {
			n := utils.MatrixNorm(p.Grad)
			total += n * n
		}
	}
	utils.ClipGrads(a.GradClip, grads...)

	a.T++
	for i, p := range a.Params {
		if p.Grad == nil {
			continue
		}
		AdamUpdateInPlace(p.Value, p.Grad, a.M[i], a.V[i], a.T,
			a.LearningRate, a.Beta1, a.Beta2, a.Eps, a.WeightDecay)
		p.ZeroGrad()
	}
	return math.Sqrt(total)
}

// ZeroGrad drops gradients without updating, used when a batch fails
// after backward.
func (a *Adam) ZeroGrad() {
	for _, p := range a.Params {
		p.ZeroGrad()
	}
}
