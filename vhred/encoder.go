package vhred

import (
	"math/rand/v2"

	"github.com/manningwu07/vhred/graph"
)

// WordEncoder is one BiLSTM shared by every sentence slot of a conversation.
type WordEncoder struct {
	RNN *BiLSTM
}

func NewWordEncoder(rng *rand.Rand, embedDim, hidden int, scale float64) *WordEncoder {
	return &WordEncoder{RNN: NewBiLSTM(rng, embedDim, hidden, scale)}
}

// Encode embeds ids (batch x words) through emb and returns one
// (batch x 2*hidden) node per word position. Positions past a row's
// length are zero.
func (e *WordEncoder) Encode(g *graph.Graph, emb *graph.Node, ids [][]int, lengths []int) []*graph.Node {
	words := len(ids[0])
	xs := make([]*graph.Node, words)
	for t := 0; t < words; t++ {
		xs[t] = g.Gather(emb, column(ids, t))
	}
	outs, _, _ := e.RNN.Run(g, xs, lengths)
	return outs
}

// SumPool adds the per-word outputs of one sentence into a single vector.
func SumPool(g *graph.Graph, outs []*graph.Node) *graph.Node {
	return g.Sum(outs...)
}

// SentenceEncoder runs a BiLSTM over pooled sentence vectors.
type SentenceEncoder struct {
	RNN *BiLSTM
}

func NewSentenceEncoder(rng *rand.Rand, in, hidden int, scale float64) *SentenceEncoder {
	return &SentenceEncoder{RNN: NewBiLSTM(rng, in, hidden, scale)}
}

// Encode returns the final [h_fw ‖ h_bw] and [c_fw ‖ c_bw] over the first
// counts[i] sentences of each conversation.
func (e *SentenceEncoder) Encode(g *graph.Graph, pooled []*graph.Node, counts []int) State {
	_, fw, bw := e.RNN.Run(g, pooled, counts)
	return State{
		H: g.ConcatCols(fw.H, bw.H),
		C: g.ConcatCols(fw.C, bw.C),
	}
}

func column(ids [][]int, t int) []int {
	col := make([]int, len(ids))
	for i, row := range ids {
		col[i] = row[t]
	}
	return col
}
