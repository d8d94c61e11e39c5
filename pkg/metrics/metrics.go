// Package metrics scores retrieval output against relevance judgments:
// MRR@k, top-k accuracy and recall@k over configurable cutoffs, plus any
// caller-supplied named metric functions.
package metrics

import (
	"fmt"
	"strings"
	"unicode"
)

// MetricFunc is a caller-supplied aggregate metric over gold answers and
// ranked retrieved texts.
type MetricFunc func(gold []string, retrieved [][]string) float64

// Scorer computes ranking metrics at fixed cutoffs.
type Scorer struct {
	ks      []int
	qaStyle bool
	extra   map[string]MetricFunc
}

// NewScorer validates the cutoffs against the retrieval depth up front:
// asking for a cutoff deeper than what retrieval returns is a
// configuration error, not a silent zero.
func NewScorer(kValues []int, retrieveN int, qaStyle bool, extra map[string]MetricFunc) (*Scorer, error) {
	if len(kValues) == 0 {
		return nil, fmt.Errorf("at least one k value is required")
	}
	for _, k := range kValues {
		if k < 1 {
			return nil, fmt.Errorf("k values must be positive, got %d", k)
		}
		if k > retrieveN {
			return nil, fmt.Errorf("k value %d exceeds retrieval depth %d", k, retrieveN)
		}
	}
	return &Scorer{ks: kValues, qaStyle: qaStyle, extra: extra}, nil
}

// Report is the scored output: aggregate named metrics plus the per-query
// rank of the first relevant hit, 1-indexed, 0 when nothing matched.
type Report struct {
	Aggregate    map[string]float64
	FirstHitRank []int
}

// Score computes all configured metrics. gold holds one reference answer
// per query; relevantSets, when non-nil, replaces it with a set of relevant
// texts per query and drives the recall denominators.
func (s *Scorer) Score(gold []string, retrieved [][]string, relevantSets [][]string) (Report, error) {
	n := len(retrieved)
	if len(gold) != n {
		return Report{}, fmt.Errorf("got %d gold answers for %d queries", len(gold), n)
	}
	if relevantSets != nil && len(relevantSets) != n {
		return Report{}, fmt.Errorf("got %d relevance sets for %d queries", len(relevantSets), n)
	}

	firstHit, allHits, totalRelevant := s.relevance(gold, retrieved, relevantSets)

	report := Report{
		Aggregate:    make(map[string]float64),
		FirstHitRank: make([]int, n),
	}
	for qi := range firstHit {
		for rank, hit := range firstHit[qi] {
			if hit {
				report.FirstHitRank[qi] = rank + 1
				break
			}
		}
	}

	for _, k := range s.ks {
		var mrr, acc, recall float64
		for qi := 0; qi < n; qi++ {
			if r := report.FirstHitRank[qi]; r > 0 && r <= k {
				mrr += 1 / float64(r)
				acc++
			}
			hits := 0
			for rank := 0; rank < k && rank < len(allHits[qi]); rank++ {
				if allHits[qi][rank] {
					hits++
				}
			}
			if hits > totalRelevant[qi] {
				hits = totalRelevant[qi]
			}
			recall += float64(hits) / float64(totalRelevant[qi])
		}
		report.Aggregate[fmt.Sprintf("mrr_at_%d", k)] = mrr / float64(n)
		report.Aggregate[fmt.Sprintf("top_%d_accuracy", k)] = acc / float64(n)
		report.Aggregate[fmt.Sprintf("recall_at_%d", k)] = recall / float64(n)
	}

	for name, fn := range s.extra {
		report.Aggregate[name] = fn(gold, retrieved)
	}
	return report, nil
}

// relevance builds the first-hit and all-hits matrices plus the per-query
// relevant-document counts.
func (s *Scorer) relevance(gold []string, retrieved [][]string, relevantSets [][]string) (firstHit, allHits [][]bool, totalRelevant []int) {
	n := len(retrieved)
	firstHit = make([][]bool, n)
	allHits = make([][]bool, n)
	totalRelevant = make([]int, n)

	for qi := 0; qi < n; qi++ {
		var targets []string
		if relevantSets != nil {
			targets = relevantSets[qi]
		} else {
			targets = []string{gold[qi]}
		}
		normTargets := make([]string, len(targets))
		for i, tgt := range targets {
			normTargets[i] = normalizeText(tgt, s.qaStyle)
		}
		totalRelevant[qi] = len(normTargets)
		if totalRelevant[qi] == 0 {
			totalRelevant[qi] = 1
		}

		firstHit[qi] = make([]bool, len(retrieved[qi]))
		allHits[qi] = make([]bool, len(retrieved[qi]))
		seen := false
		for rank, text := range retrieved[qi] {
			if s.matches(normTargets, text) {
				allHits[qi][rank] = true
				if !seen {
					firstHit[qi][rank] = true
					seen = true
				}
			}
		}
	}
	return firstHit, allHits, totalRelevant
}

// matches tests one retrieved text against the normalized targets. QA-style
// matching treats a target contained anywhere in the passage as a hit.
func (s *Scorer) matches(normTargets []string, text string) bool {
	norm := normalizeText(text, s.qaStyle)
	for _, tgt := range normTargets {
		if s.qaStyle {
			if tgt != "" && strings.Contains(norm, tgt) {
				return true
			}
		} else if norm == tgt {
			return true
		}
	}
	return false
}

// normalizeText lowercases and strips punctuation. QA-style comparison also
// removes all whitespace so containment ignores spacing; exact comparison
// collapses runs of whitespace to single spaces.
func normalizeText(s string, stripSpace bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsPunct(r):
		case unicode.IsSpace(r):
			if !stripSpace {
				b.WriteRune(' ')
			}
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if stripSpace {
		return b.String()
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
