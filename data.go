package biencoder

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrainingExample is one (query, gold passage, hard negatives) triple. The
// same shape serves training and evaluation; evaluation ignores the hard
// negatives.
type TrainingExample struct {
	Query         string   `json:"query" yaml:"query"`
	Passage       string   `json:"gold_passage" yaml:"gold_passage"`
	HardNegatives []string `json:"hard_negatives,omitempty" yaml:"hard_negatives,omitempty"`
}

// batch is one training step's examples. contexts holds the positives in
// query order followed by all hard negatives; labels[i] = i points query i
// at its positive. That alignment is the batch-construction contract the
// loss relies on, not an accident of iteration order.
type batch struct {
	queries  []string
	contexts []string
	labels   []int
}

// makeBatches splits examples into batches of at most batchSize. A non-nil
// rng shuffles the example order first; evaluation passes nil to keep
// results aligned with the input.
func makeBatches(examples []TrainingExample, batchSize int, rng *rand.Rand, useHardNegatives bool) []batch {
	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches []batch
	for lo := 0; lo < len(order); lo += batchSize {
		hi := min(lo+batchSize, len(order))
		b := batch{
			queries:  make([]string, 0, hi-lo),
			contexts: make([]string, 0, hi-lo),
			labels:   make([]int, 0, hi-lo),
		}
		var negatives []string
		for _, idx := range order[lo:hi] {
			ex := examples[idx]
			b.labels = append(b.labels, len(b.queries))
			b.queries = append(b.queries, ex.Query)
			b.contexts = append(b.contexts, ex.Passage)
			if useHardNegatives {
				negatives = append(negatives, ex.HardNegatives...)
			}
		}
		b.contexts = append(b.contexts, negatives...)
		batches = append(batches, b)
	}
	return batches
}

// LoadExamples reads training examples from a JSON or YAML file, chosen by
// extension. Malformed data is a fatal error with the offending detail.
func LoadExamples(path string) ([]TrainingExample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read examples file: %w", err)
	}

	var examples []TrainingExample
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &examples)
	default:
		err = json.Unmarshal(data, &examples)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed examples in %s: %w", path, err)
	}

	for i, ex := range examples {
		if ex.Query == "" || ex.Passage == "" {
			return nil, fmt.Errorf("example %d in %s is missing a query or gold passage", i, path)
		}
	}
	return examples, nil
}

// LoadRelevantDocs reads per-query relevance sets from a JSON file
// deserializing to a list of string lists.
func LoadRelevantDocs(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relevant docs file: %w", err)
	}
	var docs [][]string
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("malformed relevant docs in %s: expected a list of string lists: %w", path, err)
	}
	return docs, nil
}

// LoadPassages reads a passage corpus from a JSON or YAML file holding a
// list of strings.
func LoadPassages(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read passages file: %w", err)
	}

	var passages []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &passages)
	default:
		err = json.Unmarshal(data, &passages)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed passages in %s: %w", path, err)
	}
	return passages, nil
}
