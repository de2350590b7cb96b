package vhred

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manningwu07/vhred/params"
	"gonum.org/v1/gonum/mat"
)

// Checkpoint metadata stored alongside the weights.
type CheckpointMeta struct {
	RunID string
	Step  int
	Epoch int
	Vocab []string
}

type matrixData struct {
	R, C int
	Data []float64
}

type modelData struct {
	Config params.ModelConfig
	Meta   CheckpointMeta

	Embedding matrixData
	Params    []matrixData

	// Adam state, index-aligned with Params
	AdamT int
	M, V  []matrixData
}

func toData(m *mat.Dense) matrixData {
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return matrixData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
}

func (d matrixData) into(dst *mat.Dense, name string) error {
	r, c := dst.Dims()
	if d.R != r || d.C != c || len(d.Data) != r*c {
		return fmt.Errorf("%w: %s is (%d x %d) in checkpoint, model wants (%d x %d)", ErrShape, name, d.R, d.C, r, c)
	}
	dst.Copy(mat.NewDense(r, c, d.Data))
	return nil
}

// Save persists weights, optimizer state and the embedding table with gob.
// The file is written to a temp name and renamed into place.
func (m *Model) Save(filename string, meta CheckpointMeta) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
	}

	data := modelData{
		Config:    m.Config,
		Meta:      meta,
		Embedding: toData(m.Embedding.Value),
		AdamT:     m.Optimizer.T,
	}
	for i, p := range m.Params() {
		data.Params = append(data.Params, toData(p.Value))
		data.M = append(data.M, toData(m.Optimizer.M[i]))
		data.V = append(data.V, toData(m.Optimizer.V[i]))
	}

	tmp := filename + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&data); err != nil {
		f.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return os.Rename(tmp, filename)
}

// Load rebuilds a model from a checkpoint written by Save. The training
// config only seeds the optimizer hyperparameters; moments and step count
// come from the file.
func Load(filename string, train params.TrainingConfig) (*Model, CheckpointMeta, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, CheckpointMeta{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var data modelData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, CheckpointMeta{}, fmt.Errorf("decode checkpoint: %w", err)
	}

	emb := mat.NewDense(data.Embedding.R, data.Embedding.C, data.Embedding.Data)
	m, err := New(data.Config, train, emb)
	if err != nil {
		return nil, CheckpointMeta{}, fmt.Errorf("rebuild model: %w", err)
	}

	ps := m.Params()
	if len(data.Params) != len(ps) || len(data.M) != len(ps) || len(data.V) != len(ps) {
		return nil, CheckpointMeta{}, fmt.Errorf("%w: checkpoint has %d tensors, model has %d", ErrShape, len(data.Params), len(ps))
	}
	for i, p := range ps {
		name := fmt.Sprintf("param %d", i)
		if err := data.Params[i].into(p.Value, name); err != nil {
			return nil, CheckpointMeta{}, err
		}
		if err := data.M[i].into(m.Optimizer.M[i], name+" m"); err != nil {
			return nil, CheckpointMeta{}, err
		}
		if err := data.V[i].into(m.Optimizer.V[i], name+" v"); err != nil {
			return nil, CheckpointMeta{}, err
		}
	}
	m.Optimizer.T = data.AdamT
	return m, data.Meta, nil
}
