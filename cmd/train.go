package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manningwu07/vhred/IO"
	"github.com/manningwu07/vhred/optimizations"
	"github.com/manningwu07/vhred/params"
	"github.com/manningwu07/vhred/train"
	"github.com/manningwu07/vhred/vhred"
)

var (
	corpusPath    string
	tokenizerKind string
	bpePath       string
	outDir        string
	metricsAddr   string
	embedScale    float64
	resume        bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model on a dialogue corpus",
	Long: `Train reads a corpus where each conversation is a block of lines (one
utterance per line) separated by blank lines. Every utterance after the first
becomes a target whose history is the preceding turns.

Checkpoints, the vocabulary and a run.yaml snapshot are written to --out.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	f := trainCmd.Flags()
	f.StringVar(&corpusPath, "corpus", "", "dialogue corpus file (required)")
	f.StringVar(&tokenizerKind, "tokenizer", "word", "tokenizer to use (word, bpe)")
	f.StringVar(&bpePath, "bpe", "", "tokenizer.json or trained BPE directory for --tokenizer bpe; trained from --corpus when missing (default <out>/bpe)")
	f.StringVar(&outDir, "out", "checkpoints", "directory for checkpoints and run metadata")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	f.Float64Var(&embedScale, "embed-scale", 0.1, "uniform range of the fixed random embedding table")
	f.BoolVar(&resume, "resume", false, "continue from the checkpoint in --out if present")
	f.Int("epochs", 0, "override training.max_epochs")
	f.Int("batch-size", 0, "override training.batch_size")
	f.Int("vocab-size", 0, "override model.vocab_size")
	_ = trainCmd.MarkFlagRequired("corpus")

	mustBindPFlag("training.max_epochs", f.Lookup("epochs"))
	mustBindPFlag("training.batch_size", f.Lookup("batch-size"))
	mustBindPFlag("model.vocab_size", f.Lookup("vocab-size"))
}

func runTrain(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Training.Validate(); err != nil {
		return err
	}

	dialogues, err := IO.LoadDialogues(corpusPath)
	if err != nil {
		return err
	}
	tok, err := buildTokenizer(log, tokenizerKind, bpePath, dialogues, cfg.Model.VocabSize)
	if err != nil {
		return err
	}
	vocab := tok.Vocab()
	cfg.Model.VocabSize = len(vocab.IDToToken)
	setSpecialIDs(&cfg.Model, vocab)
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("Loaded corpus",
		zap.String("path", corpusPath),
		zap.Int("dialogues", len(dialogues)),
		zap.String("tokenizer", tokenizerKind),
		zap.Int("vocab", cfg.Model.VocabSize))

	enc, err := IO.EncodeDialogues(tok, dialogues, cfg.Training.MaxWords)
	if err != nil {
		return err
	}
	samples := IO.BuildSamples(enc, cfg.Training.MaxSentences)
	if len(samples) == 0 {
		return fmt.Errorf("%w: corpus has no multi-turn conversations", IO.ErrNoDialogues)
	}
	trainSet, valSet := IO.SplitSamples(samples, cfg.Training.ValFrac, cfg.Model.Seed)
	log.Info("Built samples", zap.Int("train", len(trainSet)), zap.Int("val", len(valSet)))

	model, step, err := buildModel(log, cfg)
	if err != nil {
		return err
	}
	ann, err := optimizations.NewAnnealer(cfg.Training)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", outDir, err)
	}
	if err := IO.ExportVocabJSON(filepath.Join(outDir, "vocab.json"), vocab); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *train.Metrics
	if metricsAddr != "" {
		metrics = train.NewMetrics(prometheus.DefaultRegisterer)
		srv := serveMetrics(log, metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	t := &train.Trainer{
		Model:         model,
		Batcher:       IO.NewBatcher(trainSet, cfg.Training.BatchSize, cfg.Model, cfg.Model.Seed),
		ValBatches:    IO.Batches(valSet, cfg.Training.BatchSize, cfg.Model),
		Annealer:      ann,
		Config:        cfg,
		Vocab:         vocab.IDToToken,
		RunID:         uuid.NewString(),
		CheckpointDir: outDir,
		Logger:        log,
		Metrics:       metrics,
		Step:          step,
	}
	if _, err := t.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Interrupted, saving final checkpoint", zap.Int("step", t.Step))
			return model.Save(train.CheckpointPath(outDir), vhred.CheckpointMeta{
				RunID: t.RunID, Step: t.Step, Vocab: t.Vocab,
			})
		}
		return err
	}
	return nil
}

func buildTokenizer(log *zap.Logger, kind, path string, dialogues [][]string, size int) (IO.Tokenizer, error) {
	switch kind {
	case "word":
		v, err := IO.BuildVocab(dialogues, size)
		if err != nil {
			return nil, err
		}
		return IO.NewWordTokenizer(v), nil
	case "bpe":
		if path == "" {
			path = filepath.Join(outDir, "bpe")
		}
		if _, err := os.Stat(path); err == nil {
			t, err := IO.LoadBPE(path)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		log.Info("Training BPE tokenizer",
			zap.String("corpus", corpusPath),
			zap.String("path", path),
			zap.Int("vocab", size))
		t, err := IO.TrainBPE(corpusPath, path, size)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: unknown tokenizer %q", params.ErrInvalidConfig, kind)
	}
}

// setSpecialIDs points the model's special ids at the vocabulary's tokens.
func setSpecialIDs(cfg *params.ModelConfig, v params.Vocabulary) {
	cfg.PadID = IO.VocabLookup(v, params.PadToken)
	cfg.GoID = IO.VocabLookup(v, params.GoToken)
	cfg.EOSID = IO.VocabLookup(v, params.EOSToken)
	cfg.UnkID = IO.VocabLookup(v, params.UnkToken)
}

func buildModel(log *zap.Logger, cfg params.Config) (*vhred.Model, int, error) {
	path := train.CheckpointPath(outDir)
	if resume {
		if _, err := os.Stat(path); err == nil {
			m, meta, err := vhred.Load(path, cfg.Training)
			if err != nil {
				return nil, 0, err
			}
			if m.Config.VocabSize != cfg.Model.VocabSize {
				return nil, 0, fmt.Errorf("%w: checkpoint vocab %d, corpus vocab %d",
					params.ErrInvalidConfig, m.Config.VocabSize, cfg.Model.VocabSize)
			}
			log.Info("Resuming", zap.String("checkpoint", path), zap.String("run_id", meta.RunID), zap.Int("step", meta.Step))
			return m, meta.Step, nil
		}
		log.Warn("No checkpoint to resume from, starting fresh", zap.String("checkpoint", path))
	}

	rng := rand.New(rand.NewPCG(cfg.Model.Seed, cfg.Model.Seed+7))
	emb := IO.InitEmbeddings(rng, cfg.Model.VocabSize, cfg.Model.EmbedDim, embedScale)
	m, err := vhred.New(cfg.Model, cfg.Training, emb)
	return m, 0, err
}

func serveMetrics(log *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
