package encoder

import (
	"hash/fnv"
	"strings"
)

// HashTokenizer maps whitespace-separated terms onto a fixed id space by
// hashing. It stands in where no trained vocabulary is available, pairing
// with TableEncoder for self-contained training runs.
type HashTokenizer struct {
	vocab int
}

func NewHashTokenizer(vocab int) *HashTokenizer {
	if vocab < 1 {
		vocab = 1
	}
	return &HashTokenizer{vocab: vocab}
}

// Tokenize hashes each term, truncating or padding every example to
// maxLength. Padding positions get attention mask zero.
func (t *HashTokenizer) Tokenize(texts []string, maxLength int) (TokenBatch, error) {
	batch := TokenBatch{
		InputIDs:      make([][]int, len(texts)),
		AttentionMask: make([][]int, len(texts)),
		Texts:         texts,
	}
	for i, text := range texts {
		terms := strings.Fields(strings.ToLower(text))
		if len(terms) > maxLength {
			terms = terms[:maxLength]
		}
		ids := make([]int, maxLength)
		mask := make([]int, maxLength)
		for j, term := range terms {
			h := fnv.New32a()
			h.Write([]byte(term))
			ids[j] = int(h.Sum32()) % t.vocab
			mask[j] = 1
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
	}
	return batch, nil
}
