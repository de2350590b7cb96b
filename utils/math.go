package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used by the graph ops and the loss.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Mul(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func Subtract(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Sub(m, n)
	return o
}

// ZerosLike allocates a zero matrix with the dims of a.
func ZerosLike(a mat.Matrix) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// RandomArray returns 'size' samples from U(-scale, scale).
// scale <= 0 means 1/sqrt(fanIn).
func RandomArray(rng *rand.Rand, size int, fanIn int, scale float64) []float64 {
	if scale <= 0 {
		scale = 1.0 / math.Sqrt(float64(fanIn)+1e-12)
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = -scale + 2*scale*rng.Float64()
	}
	return out
}

// -------- Activations --------

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}

// ---------- Softmax variants ----------

// RowSoftmaxMasked applies softmax to each row over the columns where
// valid[i][j] is true. Invalid columns get probability 0. A row without
// any valid column falls back to a softmax over all columns.
func RowSoftmaxMasked(m mat.Matrix, valid [][]bool) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		use := func(j int) bool { return true }
		if valid != nil {
			hasValid := false
			for j := 0; j < c; j++ {
				if valid[i][j] {
					hasValid = true
					break
				}
			}
			if hasValid {
				row := valid[i]
				use = func(j int) bool { return row[j] }
			}
		}
		mx := math.Inf(-1)
		for j := 0; j < c; j++ {
			if use(j) && m.At(i, j) > mx {
				mx = m.At(i, j)
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			if !use(j) {
				continue
			}
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)*inv)
		}
	}
	return out
}

// Softmax backward for row-wise softmax.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// LogSumExp of a slice, stable.
func LogSumExp(xs []float64) float64 {
	return floats.LogSumExp(xs)
}

// RowArgmax returns the column index of the max of every row.
func RowArgmax(m *mat.Dense) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}

// ---------- Grad helpers ----------

// MatrixNorm is the Frobenius norm.
func MatrixNorm(m mat.Matrix) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads rescales all grads in place so that their global L2 norm is at
// most maxNorm. Returns the scale applied (1 when nothing was clipped).
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	total := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		total += n * n
	}
	norm := math.Sqrt(total)
	if norm <= maxNorm || norm == 0 {
		return 1.0
	}
	s := maxNorm / norm
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}
