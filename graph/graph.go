// Package graph is a small reverse-mode tape over gonum matrices.
//
// Every op computes its value eagerly and, when the Graph was created with
// NeedsBackprop, appends a closure that pushes the output gradient back into
// its inputs. Backward replays the closures in reverse order. Parameters are
// long-lived nodes shared by every graph built on top of them, which is how
// the training and inference paths of a model end up reading the same
// weight storage.
package graph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Node holds a value and, for nodes that take part in backprop, its gradient.
type Node struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
}

// NewParam wraps v as a trainable parameter. Gradients accumulate into
// Grad across Backward calls until ZeroGrad.
func NewParam(v *mat.Dense) *Node {
	r, c := v.Dims()
	return &Node{Value: v, Grad: mat.NewDense(r, c, nil), requiresGrad: true}
}

// Constant wraps v as a node that never receives gradients.
func Constant(v *mat.Dense) *Node {
	return &Node{Value: v}
}

// Zeros is a constant (r x c) zero node.
func Zeros(r, c int) *Node {
	return Constant(mat.NewDense(r, c, nil))
}

func (n *Node) Dims() (int, int) { return n.Value.Dims() }

// RequiresGrad reports whether backprop reaches this node.
func (n *Node) RequiresGrad() bool { return n.requiresGrad }

// ZeroGrad resets the accumulated gradient.
func (n *Node) ZeroGrad() {
	if n.Grad != nil {
		n.Grad.Zero()
	}
}

// Scalar returns the single element of a (1 x 1) node.
func (n *Node) Scalar() float64 {
	r, c := n.Dims()
	if r != 1 || c != 1 {
		panic(fmt.Sprintf("graph: Scalar on (%d x %d) node", r, c))
	}
	return n.Value.At(0, 0)
}

func (n *Node) accumulate(d mat.Matrix) {
	if !n.requiresGrad {
		return
	}
	if n.Grad == nil {
		r, c := n.Value.Dims()
		n.Grad = mat.NewDense(r, c, nil)
	}
	n.Grad.Add(n.Grad, d)
}

// Graph records the backward pass of the ops applied through it.
type Graph struct {
	NeedsBackprop bool

	backprop []func()
}

func New(needsBackprop bool) *Graph {
	return &Graph{NeedsBackprop: needsBackprop}
}

// node creates an op output; it takes part in backprop only if the graph
// records and at least one input does.
func (g *Graph) node(v *mat.Dense, inputs ...*Node) *Node {
	out := &Node{Value: v}
	if !g.NeedsBackprop {
		return out
	}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	return out
}

// record appends fn to the tape when out participates in backprop.
// fn runs only if out.Grad was populated by a later op.
func (g *Graph) record(out *Node, fn func(dOut *mat.Dense)) {
	if !g.NeedsBackprop || !out.requiresGrad {
		return
	}
	g.backprop = append(g.backprop, func() {
		if out.Grad == nil {
			return
		}
		fn(out.Grad)
	})
}

// Backward seeds d(out)=1 and runs the tape in reverse. out must be (1 x 1).
func (g *Graph) Backward(out *Node) {
	if !g.NeedsBackprop {
		panic("graph: Backward on a graph built without backprop")
	}
	r, c := out.Dims()
	if r != 1 || c != 1 {
		panic(fmt.Sprintf("graph: Backward expects a (1 x 1) output, got (%d x %d)", r, c))
	}
	if !out.requiresGrad {
		return
	}
	out.Grad = mat.NewDense(1, 1, []float64{1})
	for i := len(g.backprop) - 1; i >= 0; i-- {
		g.backprop[i]()
	}
	g.backprop = nil
}

func mustSameDims(op string, a, b *Node) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("graph.%s: shape mismatch (%d x %d) vs (%d x %d)", op, ar, ac, br, bc))
	}
}
