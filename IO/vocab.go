package IO

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/utils"
	"gonum.org/v1/gonum/mat"
)

// Special tokens kept at the start of the vocab, in id order.
var special = []string{params.PadToken, params.GoToken, params.EOSToken, params.UnkToken}

// Tokenizer turns an utterance into vocabulary ids and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	Vocab() params.Vocabulary
}

// SplitWords lowercases s and splits it into words and single punctuation
// marks.
func SplitWords(s string) []string {
	var out []string
	var b strings.Builder
	emit := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, c := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(c):
			emit()
		case unicode.IsPunct(c) && c != '\'':
			emit()
			out = append(out, string(c))
		default:
			b.WriteRune(c)
		}
	}
	emit()
	return out
}

// BuildVocab keeps the size-len(special) most frequent words of the corpus
// after the special tokens. Ties break alphabetically.
func BuildVocab(dialogues [][]string, size int) (params.Vocabulary, error) {
	if size <= len(special) {
		return params.Vocabulary{}, fmt.Errorf("%w: vocab size %d must exceed %d special tokens",
			params.ErrInvalidConfig, size, len(special))
	}
	counts := make(map[string]int, 1<<12)
	for _, d := range dialogues {
		for _, line := range d {
			for _, w := range SplitWords(line) {
				counts[w]++
			}
		}
	}
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(counts))
	for k, v := range counts {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})

	idToToken := append([]string{}, special...)
	for _, p := range arr {
		if len(idToToken) >= size {
			break
		}
		if isSpecial(p.k) {
			continue
		}
		idToToken = append(idToToken, p.k)
	}
	return NewVocabulary(idToToken), nil
}

func isSpecial(tok string) bool {
	for _, s := range special {
		if tok == s {
			return true
		}
	}
	return false
}

// NewVocabulary indexes idToToken.
func NewVocabulary(idToToken []string) params.Vocabulary {
	tok2id := make(map[string]int, len(idToToken))
	for i, t := range idToToken {
		tok2id[t] = i
	}
	return params.Vocabulary{TokenToID: tok2id, IDToToken: idToToken}
}

func VocabLookup(v params.Vocabulary, tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID[params.UnkToken]
}

// WordTokenizer is the default whitespace/punctuation tokenizer over a
// corpus-built vocabulary.
type WordTokenizer struct {
	vocab params.Vocabulary
}

func NewWordTokenizer(v params.Vocabulary) *WordTokenizer { return &WordTokenizer{vocab: v} }

func (t *WordTokenizer) Encode(text string) ([]int, error) {
	words := SplitWords(text)
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = VocabLookup(t.vocab, w)
	}
	return ids, nil
}

func (t *WordTokenizer) Decode(ids []int) string {
	return decodeIDs(t.vocab, ids, " ")
}

func (t *WordTokenizer) Vocab() params.Vocabulary { return t.vocab }

// decodeIDs joins tokens up to the first <eos>, skipping <pad> and <go>.
func decodeIDs(v params.Vocabulary, ids []int, sep string) string {
	var parts []string
	for _, id := range ids {
		if id < 0 || id >= len(v.IDToToken) {
			continue
		}
		tok := v.IDToToken[id]
		if tok == params.EOSToken {
			break
		}
		if tok == params.PadToken || tok == params.GoToken {
			continue
		}
		parts = append(parts, tok)
	}
	return strings.Join(parts, sep)
}

// InitEmbeddings draws a (|V| x dim) table from U(-scale, scale).
func InitEmbeddings(rng *rand.Rand, vocab, dim int, scale float64) *mat.Dense {
	return mat.NewDense(vocab, dim, utils.RandomArray(rng, vocab*dim, dim, scale))
}

func ExportVocabJSON(path string, v params.Vocabulary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func ImportVocabJSON(path string) (params.Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return params.Vocabulary{}, err
	}
	defer f.Close()
	var data struct {
		TokenToID map[string]int `json:"TokenToID"`
		IDToToken []string       `json:"IDToToken"`
	}
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return params.Vocabulary{}, err
	}
	return params.Vocabulary{TokenToID: data.TokenToID, IDToToken: data.IDToToken}, nil
}
