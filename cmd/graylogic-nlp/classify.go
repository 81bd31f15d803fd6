package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-nlp/internal/classifier"
)

// classifyResult is one line of classify output.
type classifyResult struct {
	ID        string             `json:"id"`
	Sentence  string             `json:"sentence"`
	Status    string             `json:"status"`
	Class     string             `json:"class,omitempty"`
	Scores    map[string]float64 `json:"scores,omitempty"`
	Error     string             `json:"error,omitempty"`
	LatencyMS int64              `json:"latency_ms"`
}

func newClassifyCommand(opts *globalOptions) *cobra.Command {
	var (
		concurrency int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "classify [sentence...]",
		Short: "Classify sentences with a one-shot worker",
		Long: `Starts the configured worker, classifies each argument (or each non-empty
line of stdin when no arguments are given) and prints one JSON object per
sentence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sentences := args
			if len(sentences) == 0 {
				var err error
				if sentences, err = readSentences(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(sentences) == 0 {
				return fmt.Errorf("no sentences to classify")
			}

			cfg, log, err := opts.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := classifier.New(ctx, bridgeConfig(cfg, log))
			if err != nil {
				return fmt.Errorf("starting classifier: %w", err)
			}
			defer b.Close() //nolint:errcheck // exit status is logged by the supervisor

			return classifyAll(ctx, b, sentences, concurrency, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum requests in flight")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-sentence timeout (0 disables)")
	return cmd
}

// sentenceClassifier is the part of *classifier.Bridge classify needs.
type sentenceClassifier interface {
	Classify(ctx context.Context, id, sentence string) (*classifier.Classification, error)
}

// classifyAll classifies sentences concurrently and writes one JSON line per
// result in completion order. Per-sentence failures are reported inline.
func classifyAll(ctx context.Context, c sentenceClassifier, sentences []string, concurrency int, timeout time.Duration, w io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, sentence := range sentences {
		sentence := sentence
		g.Go(func() error {
			res := classifyOne(gctx, c, sentence, timeout)

			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func classifyOne(ctx context.Context, c sentenceClassifier, sentence string, timeout time.Duration) classifyResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := classifyResult{ID: uuid.NewString(), Sentence: sentence}
	start := time.Now()
	cls, err := c.Classify(ctx, res.ID, sentence)
	res.LatencyMS = time.Since(start).Milliseconds()
	res.Status = string(classifier.StatusOf(err))

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Class, _ = cls.Top()
	res.Scores = cls.Scores()
	return res
}

func readSentences(r io.Reader) ([]string, error) {
	var sentences []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			sentences = append(sentences, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return sentences, nil
}
