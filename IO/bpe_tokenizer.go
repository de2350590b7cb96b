package IO

import (
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/manningwu07/vhred/params"
)

// BPETokenizer wraps a byte-pair tokenizer. Its vocabulary must place
// <pad>, <go>, <eos> and <unk> at ids 0..3.
type BPETokenizer struct {
	tok   *tk.Tokenizer
	vocab params.Vocabulary
}

// LoadBPE reads either a HuggingFace tokenizer.json or a directory written
// by TrainBPE (vocab.json + merges.txt).
func LoadBPE(path string) (*BPETokenizer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrTokenizer, path)
	}
	if !info.IsDir() {
		t, err := pretrained.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", ErrTokenizer, path, err)
		}
		return newBPETokenizer(t, path)
	}

	model, err := bpe.NewBpeFromFiles(filepath.Join(path, "vocab.json"), filepath.Join(path, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrTokenizer, path, err)
	}
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	return newBPETokenizer(t, path)
}

// TrainBPE learns a vocabSize BPE vocabulary from corpusPath with the
// special tokens first, and saves vocab.json and merges.txt into dir.
func TrainBPE(corpusPath, dir string, vocabSize int) (*BPETokenizer, error) {
	if vocabSize <= len(special) {
		return nil, fmt.Errorf("%w: vocab size %d must exceed %d special tokens",
			params.ErrInvalidConfig, vocabSize, len(special))
	}
	if !fileExists(corpusPath) {
		return nil, fmt.Errorf("%w: %s not found", ErrNoDialogues, corpusPath)
	}

	model, err := bpe.DefaultBPE()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenizer, err)
	}
	t := tk.NewTokenizer(model)
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	tr := bpe.NewBpeTrainer(0, vocabSize)
	tr.SpecialTokens = make([]tk.AddedToken, len(special))
	for i, s := range special {
		tr.SpecialTokens[i] = tk.NewAddedToken(s, true)
	}
	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return nil, fmt.Errorf("%w: train on %s: %v", ErrTokenizer, corpusPath, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := t.GetModel().Save(dir); err != nil {
		return nil, fmt.Errorf("%w: save %s: %v", ErrTokenizer, dir, err)
	}
	return newBPETokenizer(t, dir)
}

func newBPETokenizer(t *tk.Tokenizer, path string) (*BPETokenizer, error) {
	vocab := t.GetVocab(true)
	id2tok := make([]string, len(vocab))
	for tok, id := range vocab {
		if id < 0 || id >= len(id2tok) {
			return nil, fmt.Errorf("%w: %s has non-contiguous id %d", ErrTokenizer, path, id)
		}
		id2tok[id] = tok
	}
	for want, s := range special {
		if id, ok := vocab[s]; !ok || id != want {
			return nil, fmt.Errorf("%w: %s must map %s to id %d", ErrTokenizer, path, s, want)
		}
	}
	return &BPETokenizer{tok: t, vocab: NewVocabulary(id2tok)}, nil
}

// Encode returns token ids without special tokens.
func (b *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := b.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenizer, err)
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

// Decode stops at the first <eos> and drops special tokens.
func (b *BPETokenizer) Decode(ids []int) string {
	eos := b.vocab.TokenToID[params.EOSToken]
	var keep []int
	for _, id := range ids {
		if id == eos {
			break
		}
		keep = append(keep, id)
	}
	return b.tok.Decode(keep, true)
}

func (b *BPETokenizer) Vocab() params.Vocabulary { return b.vocab }
