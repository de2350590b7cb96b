package cmd

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manningwu07/vhred/IO"
	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/train"
	"github.com/manningwu07/vhred/vhred"
)

var (
	checkpointDir string
	history       []string
	genTokenizer  string
	genBPEPath    string
	maxLen        int
	genSeed       uint64
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a reply to a conversation history",
	Long: `Generate loads a checkpoint and greedily decodes one reply.

The history is taken from repeated --history flags, or from stdin (one
utterance per line) when no flag is given. Only the last
training.max_sentences turns are used.`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.StringVar(&checkpointDir, "checkpoint", "checkpoints", "directory written by train --out")
	f.StringArrayVar(&history, "history", nil, "one utterance of the history, oldest first (repeatable)")
	f.StringVar(&genTokenizer, "tokenizer", "word", "tokenizer the model was trained with (word, bpe)")
	f.StringVar(&genBPEPath, "bpe", "", "tokenizer.json or trained BPE directory for --tokenizer bpe (default <checkpoint>/bpe)")
	f.IntVar(&maxLen, "max-len", 0, "decode at most this many tokens (0 = model.max_decode_len)")
	f.Uint64Var(&genSeed, "seed", 0, "latent noise seed (0 = model seed)")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, meta, err := vhred.Load(train.CheckpointPath(checkpointDir), cfg.Training)
	if err != nil {
		return err
	}
	log.Debug("Loaded checkpoint",
		zap.String("run_id", meta.RunID),
		zap.Int("step", meta.Step),
		zap.Int("vocab", m.Config.VocabSize))

	tok, err := checkpointTokenizer(genTokenizer, genBPEPath, checkpointDir, meta)
	if err != nil {
		return err
	}
	if n := len(tok.Vocab().IDToToken); n != m.Config.VocabSize {
		return fmt.Errorf("%w: tokenizer vocab %d, model vocab %d", params.ErrInvalidConfig, n, m.Config.VocabSize)
	}

	lines := history
	if len(lines) == 0 {
		if lines, err = readLines(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	reply, err := Respond(m, tok, lines, cfg.Training.MaxSentences, cfg.Training.MaxWords, maxLen, genSeed)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}

// Respond encodes the last maxSentences turns of lines and greedily decodes
// a reply. A non-zero seed reseeds the latent noise first.
func Respond(m *vhred.Model, tok IO.Tokenizer, lines []string, maxSentences, maxWords, maxLen int, seed uint64) (string, error) {
	enc, err := IO.EncodeDialogues(tok, [][]string{lines}, maxWords)
	if err != nil {
		return "", err
	}
	hist := enc[0]
	if len(hist) == 0 {
		return "", fmt.Errorf("%w: empty history", vhred.ErrEmptyBatch)
	}
	if len(hist) > maxSentences {
		hist = hist[len(hist)-maxSentences:]
	}

	if seed != 0 {
		m.Reseed(seed)
	}
	if maxLen > 0 {
		m.Config.MaxDecodeLen = maxLen
	}
	inf, err := m.Infer(IO.HistoryBatch([][][]int{hist}, m.Config))
	if err != nil {
		return "", err
	}
	return tok.Decode(inf.Tokens[0]), nil
}

// checkpointTokenizer rebuilds the tokenizer a checkpoint in dir was trained
// with. Word vocabularies come from the checkpoint, or from dir/vocab.json
// for checkpoints saved without one.
func checkpointTokenizer(kind, path, dir string, meta vhred.CheckpointMeta) (IO.Tokenizer, error) {
	switch kind {
	case "word":
		if len(meta.Vocab) > 0 {
			return IO.NewWordTokenizer(IO.NewVocabulary(meta.Vocab)), nil
		}
		v, err := IO.ImportVocabJSON(filepath.Join(dir, "vocab.json"))
		if err != nil {
			return nil, fmt.Errorf("%w: checkpoint carries no vocabulary: %v", params.ErrInvalidConfig, err)
		}
		return IO.NewWordTokenizer(v), nil
	case "bpe":
		if path == "" {
			path = filepath.Join(dir, "bpe")
		}
		t, err := IO.LoadBPE(path)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown tokenizer %q", params.ErrInvalidConfig, kind)
	}
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
