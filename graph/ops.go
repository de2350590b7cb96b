package graph

import (
	"fmt"
	"math"

	"github.com/manningwu07/vhred/utils"
	"gonum.org/v1/gonum/mat"
)

// MatMul returns a·b.
func (g *Graph) MatMul(a, b *Node) *Node {
	_, ac := a.Dims()
	br, _ := b.Dims()
	if ac != br {
		panic(fmt.Sprintf("graph.MatMul: inner dims %d vs %d", ac, br))
	}
	out := g.node(utils.Dot(a.Value, b.Value), a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Dot(d, b.Value.T()))
		b.accumulate(utils.Dot(a.Value.T(), d))
	})
	return out
}

// MatMulT returns a·bᵀ.
func (g *Graph) MatMulT(a, b *Node) *Node {
	_, ac := a.Dims()
	_, bc := b.Dims()
	if ac != bc {
		panic(fmt.Sprintf("graph.MatMulT: inner dims %d vs %d", ac, bc))
	}
	out := g.node(utils.Dot(a.Value, b.Value.T()), a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Dot(d, b.Value))
		b.accumulate(utils.Dot(d.T(), a.Value))
	})
	return out
}

func (g *Graph) Add(a, b *Node) *Node {
	mustSameDims("Add", a, b)
	out := g.node(utils.Add(a.Value, b.Value), a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(d)
		b.accumulate(d)
	})
	return out
}

func (g *Graph) Sub(a, b *Node) *Node {
	mustSameDims("Sub", a, b)
	out := g.node(utils.Subtract(a.Value, b.Value), a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(d)
		b.accumulate(utils.Scale(-1, d))
	})
	return out
}

// Sum adds any number of same-shaped nodes.
func (g *Graph) Sum(nodes ...*Node) *Node {
	if len(nodes) == 0 {
		panic("graph.Sum: no inputs")
	}
	// Closures keep the inputs; the caller may reuse its slice.
	nodes = append([]*Node(nil), nodes...)
	v := mat.DenseCopyOf(nodes[0].Value)
	for _, n := range nodes[1:] {
		mustSameDims("Sum", nodes[0], n)
		v.Add(v, n.Value)
	}
	out := g.node(v, nodes...)
	g.record(out, func(d *mat.Dense) {
		for _, n := range nodes {
			n.accumulate(d)
		}
	})
	return out
}

// AddRowVector adds the (1 x c) bias b to every row of a.
func (g *Graph) AddRowVector(a, b *Node) *Node {
	r, c := a.Dims()
	br, bc := b.Dims()
	if br != 1 || bc != c {
		panic(fmt.Sprintf("graph.AddRowVector: bias must be (1 x %d), got (%d x %d)", c, br, bc))
	}
	v := mat.NewDense(r, c, nil)
	bias := b.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		row := a.Value.RawRowView(i)
		dst := v.RawRowView(i)
		for j := range dst {
			dst[j] = row[j] + bias[j]
		}
	}
	out := g.node(v, a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(d)
		db := mat.NewDense(1, c, nil)
		sums := db.RawRowView(0)
		for i := 0; i < r; i++ {
			for j, x := range d.RawRowView(i) {
				sums[j] += x
			}
		}
		b.accumulate(db)
	})
	return out
}

// Mul is the elementwise product.
func (g *Graph) Mul(a, b *Node) *Node {
	mustSameDims("Mul", a, b)
	out := g.node(utils.Multiply(a.Value, b.Value), a, b)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Multiply(d, b.Value))
		b.accumulate(utils.Multiply(d, a.Value))
	})
	return out
}

func (g *Graph) Scale(s float64, a *Node) *Node {
	out := g.node(utils.Scale(s, a.Value), a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Scale(s, d))
	})
	return out
}

// AddScalar adds s to every element.
func (g *Graph) AddScalar(s float64, a *Node) *Node {
	out := g.node(utils.Apply(func(_, _ int, v float64) float64 { return v + s }, a.Value), a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(d)
	})
	return out
}

// -------- Activations --------

func (g *Graph) Sigmoid(a *Node) *Node {
	v := utils.Apply(func(_, _ int, x float64) float64 { return utils.Sigmoid(x) }, a.Value)
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Apply(func(i, j int, s float64) float64 {
			return d.At(i, j) * s * (1 - s)
		}, v))
	})
	return out
}

func (g *Graph) Tanh(a *Node) *Node {
	v := utils.Apply(func(_, _ int, x float64) float64 { return math.Tanh(x) }, a.Value)
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Apply(func(i, j int, t float64) float64 {
			return d.At(i, j) * (1 - t*t)
		}, v))
	})
	return out
}

func (g *Graph) Exp(a *Node) *Node {
	v := utils.Apply(func(_, _ int, x float64) float64 { return math.Exp(x) }, a.Value)
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Multiply(d, v))
	})
	return out
}

// Square is the elementwise a².
func (g *Graph) Square(a *Node) *Node {
	out := g.node(utils.Multiply(a.Value, a.Value), a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.Scale(2, utils.Multiply(d, a.Value)))
	})
	return out
}

// -------- Shape ops --------

func (g *Graph) Transpose(a *Node) *Node {
	out := g.node(mat.DenseCopyOf(a.Value.T()), a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(d.T())
	})
	return out
}

// ConcatCols joins nodes with equal row counts side by side.
func (g *Graph) ConcatCols(nodes ...*Node) *Node {
	if len(nodes) == 0 {
		panic("graph.ConcatCols: no inputs")
	}
	nodes = append([]*Node(nil), nodes...)
	r, _ := nodes[0].Dims()
	total := 0
	for _, n := range nodes {
		nr, nc := n.Dims()
		if nr != r {
			panic(fmt.Sprintf("graph.ConcatCols: row mismatch %d vs %d", nr, r))
		}
		total += nc
	}
	v := mat.NewDense(r, total, nil)
	off := 0
	for _, n := range nodes {
		_, nc := n.Dims()
		v.Slice(0, r, off, off+nc).(*mat.Dense).Copy(n.Value)
		off += nc
	}
	out := g.node(v, nodes...)
	g.record(out, func(d *mat.Dense) {
		off := 0
		for _, n := range nodes {
			_, nc := n.Dims()
			n.accumulate(d.Slice(0, r, off, off+nc))
			off += nc
		}
	})
	return out
}

// ConcatRows stacks nodes with equal column counts on top of each other.
func (g *Graph) ConcatRows(nodes ...*Node) *Node {
	if len(nodes) == 0 {
		panic("graph.ConcatRows: no inputs")
	}
	nodes = append([]*Node(nil), nodes...)
	_, c := nodes[0].Dims()
	total := 0
	for _, n := range nodes {
		nr, nc := n.Dims()
		if nc != c {
			panic(fmt.Sprintf("graph.ConcatRows: col mismatch %d vs %d", nc, c))
		}
		total += nr
	}
	v := mat.NewDense(total, c, nil)
	off := 0
	for _, n := range nodes {
		nr, _ := n.Dims()
		v.Slice(off, off+nr, 0, c).(*mat.Dense).Copy(n.Value)
		off += nr
	}
	out := g.node(v, nodes...)
	g.record(out, func(d *mat.Dense) {
		off := 0
		for _, n := range nodes {
			nr, _ := n.Dims()
			n.accumulate(d.Slice(off, off+nr, 0, c))
			off += nr
		}
	})
	return out
}

// SliceCols returns columns [from, to) of a.
func (g *Graph) SliceCols(a *Node, from, to int) *Node {
	r, c := a.Dims()
	if from < 0 || to > c || from >= to {
		panic(fmt.Sprintf("graph.SliceCols: [%d,%d) out of range for %d cols", from, to, c))
	}
	out := g.node(mat.DenseCopyOf(a.Value.Slice(0, r, from, to)), a)
	g.record(out, func(d *mat.Dense) {
		full := mat.NewDense(r, c, nil)
		full.Slice(0, r, from, to).(*mat.Dense).Copy(d)
		a.accumulate(full)
	})
	return out
}

// Gather picks rows of table by id (embedding lookup). Gradients are
// scatter-added back into the picked rows.
func (g *Graph) Gather(table *Node, ids []int) *Node {
	vocab, dim := table.Dims()
	v := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("graph.Gather: id %d outside [0,%d)", id, vocab))
		}
		copy(v.RawRowView(i), table.Value.RawRowView(id))
	}
	out := g.node(v, table)
	g.record(out, func(d *mat.Dense) {
		full := mat.NewDense(vocab, dim, nil)
		for i, id := range ids {
			row := full.RawRowView(id)
			for j, x := range d.RawRowView(i) {
				row[j] += x
			}
		}
		table.accumulate(full)
	})
	return out
}

// SelectRows takes row i from a where pick[i] is true and from b otherwise.
func (g *Graph) SelectRows(pick []bool, a, b *Node) *Node {
	mustSameDims("SelectRows", a, b)
	r, c := a.Dims()
	if len(pick) != r {
		panic(fmt.Sprintf("graph.SelectRows: %d flags for %d rows", len(pick), r))
	}
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		if pick[i] {
			copy(v.RawRowView(i), a.Value.RawRowView(i))
		} else {
			copy(v.RawRowView(i), b.Value.RawRowView(i))
		}
	}
	out := g.node(v, a, b)
	g.record(out, func(d *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		db := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			if pick[i] {
				copy(da.RawRowView(i), d.RawRowView(i))
			} else {
				copy(db.RawRowView(i), d.RawRowView(i))
			}
		}
		a.accumulate(da)
		b.accumulate(db)
	})
	return out
}

// MulRows scales row i of a by the constant w[i].
func (g *Graph) MulRows(a *Node, w []float64) *Node {
	r, c := a.Dims()
	if len(w) != r {
		panic(fmt.Sprintf("graph.MulRows: %d weights for %d rows", len(w), r))
	}
	scale := func(m *mat.Dense) *mat.Dense {
		o := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			dst := o.RawRowView(i)
			for j, x := range m.RawRowView(i) {
				dst[j] = x * w[i]
			}
		}
		return o
	}
	out := g.node(scale(a.Value), a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(scale(d))
	})
	return out
}

// MulColumn multiplies every column of a (r x c) by the column s (r x 1).
func (g *Graph) MulColumn(a, s *Node) *Node {
	r, c := a.Dims()
	sr, sc := s.Dims()
	if sr != r || sc != 1 {
		panic(fmt.Sprintf("graph.MulColumn: scale must be (%d x 1), got (%d x %d)", r, sr, sc))
	}
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		k := s.Value.At(i, 0)
		dst := v.RawRowView(i)
		for j, x := range a.Value.RawRowView(i) {
			dst[j] = x * k
		}
	}
	out := g.node(v, a, s)
	g.record(out, func(d *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		ds := mat.NewDense(r, 1, nil)
		for i := 0; i < r; i++ {
			k := s.Value.At(i, 0)
			arow := a.Value.RawRowView(i)
			dst := da.RawRowView(i)
			acc := 0.0
			for j, x := range d.RawRowView(i) {
				dst[j] = x * k
				acc += x * arow[j]
			}
			ds.Set(i, 0, acc)
		}
		a.accumulate(da)
		s.accumulate(ds)
	})
	return out
}

// -------- Reductions --------

// RowSum returns the (r x 1) column of row sums.
func (g *Graph) RowSum(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for _, x := range a.Value.RawRowView(i) {
			s += x
		}
		v.Set(i, 0, s)
	}
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			k := d.At(i, 0)
			row := da.RawRowView(i)
			for j := range row {
				row[j] = k
			}
		}
		a.accumulate(da)
	})
	return out
}

// SumAll reduces a to a (1 x 1) node.
func (g *Graph) SumAll(a *Node) *Node {
	r, c := a.Dims()
	out := g.node(mat.NewDense(1, 1, []float64{mat.Sum(a.Value)}), a)
	g.record(out, func(d *mat.Dense) {
		k := d.At(0, 0)
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			row := da.RawRowView(i)
			for j := range row {
				row[j] = k
			}
		}
		a.accumulate(da)
	})
	return out
}

// -------- Softmax / losses --------

// RowSoftmaxMasked is a row-wise softmax restricted to valid columns.
// valid may be nil (all columns valid).
func (g *Graph) RowSoftmaxMasked(a *Node, valid [][]bool) *Node {
	v := utils.RowSoftmaxMasked(a.Value, valid)
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		a.accumulate(utils.SoftmaxBackward(d, v))
	})
	return out
}

// SoftmaxCrossEntropy returns the (r x 1) column of -log softmax(a)[i, labels[i]].
func (g *Graph) SoftmaxCrossEntropy(a *Node, labels []int) *Node {
	r, c := a.Dims()
	if len(labels) != r {
		panic(fmt.Sprintf("graph.SoftmaxCrossEntropy: %d labels for %d rows", len(labels), r))
	}
	probs := utils.RowSoftmaxMasked(a.Value, nil)
	v := mat.NewDense(r, 1, nil)
	for i, l := range labels {
		if l < 0 || l >= c {
			panic(fmt.Sprintf("graph.SoftmaxCrossEntropy: label %d outside [0,%d)", l, c))
		}
		row := a.Value.RawRowView(i)
		v.Set(i, 0, utils.LogSumExp(row)-row[l])
	}
	out := g.node(v, a)
	g.record(out, func(d *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i, l := range labels {
			k := d.At(i, 0)
			dst := da.RawRowView(i)
			for j, p := range probs.RawRowView(i) {
				dst[j] = k * p
			}
			dst[l] -= k
		}
		a.accumulate(da)
	})
	return out
}
