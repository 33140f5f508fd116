package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultCategories is the label vocabulary of the bundled model.
var DefaultCategories = []string{"forum", "promotions", "social_media", "spam", "updates", "verify"}

// ErrUnavailable means the classifier backend could not be reached or loaded.
var ErrUnavailable = errors.New("classifier: unavailable")

// Result is one prediction.
type Result struct {
	Category     string             `json:"category"`
	Confidence   float64            `json:"confidence"`
	Distribution map[string]float64 `json:"probabilities"`
}

// Validate checks the invariants every backend must hold.
func (r Result) Validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	for label, p := range r.Distribution {
		if p < 0 || p > 1 {
			return fmt.Errorf("probability %v for %q out of range", p, label)
		}
	}
	return nil
}

// Predictor labels message text.
type Predictor interface {
	Predict(ctx context.Context, text string) (Result, error)
}

// PredictBatch is repeated single prediction. It stops at the first error.
func PredictBatch(ctx context.Context, p Predictor, texts []string) ([]Result, error) {
	results := make([]Result, 0, len(texts))
	for i, text := range texts {
		r, err := p.Predict(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("predict %d: %w", i, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// Vocabulary is the closed set of category labels.
type Vocabulary struct {
	labels []string
	index  map[string]struct{}
}

// NewVocabulary normalizes labels (trim, lower-case, dedupe) and keeps them sorted.
func NewVocabulary(labels []string) (*Vocabulary, error) {
	v := &Vocabulary{index: make(map[string]struct{})}
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, dup := v.index[l]; dup {
			continue
		}
		v.index[l] = struct{}{}
		v.labels = append(v.labels, l)
	}
	if len(v.labels) == 0 {
		return nil, errors.New("classifier: empty category vocabulary")
	}
	sort.Strings(v.labels)
	return v, nil
}

// Labels returns the labels in sorted order.
func (v *Vocabulary) Labels() []string {
	out := make([]string, len(v.labels))
	copy(out, v.labels)
	return out
}

func (v *Vocabulary) Contains(label string) bool {
	_, ok := v.index[label]
	return ok
}
