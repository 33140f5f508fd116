package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/Martian-dev/mailwatch/internal/textclean"
)

// LinearModel is a TF-IDF vectorizer plus linear classifier exported from the
// training pipeline as JSON.
type LinearModel struct {
	Classes     []string       `json:"classes"`
	Vocabulary  map[string]int `json:"vocabulary"`
	IDF         []float64      `json:"idf"`
	Coef        [][]float64    `json:"coef"`
	Intercept   []float64      `json:"intercept"`
	SublinearTF bool           `json:"sublinear_tf"`
}

// Linear serves predictions from a loaded LinearModel. Safe for concurrent use.
type Linear struct {
	model LinearModel
}

// LoadLinear reads and validates a model file.
func LoadLinear(path string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model: %v", ErrUnavailable, err)
	}
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode model: %v", ErrUnavailable, err)
	}
	return NewLinear(m)
}

// NewLinear validates the model shape.
func NewLinear(m LinearModel) (*Linear, error) {
	if len(m.Classes) < 2 {
		return nil, errors.New("classifier: model needs at least two classes")
	}
	features := len(m.IDF)
	for term, idx := range m.Vocabulary {
		if idx < 0 || idx >= features {
			return nil, fmt.Errorf("classifier: term %q index %d outside %d features", term, idx, features)
		}
	}
	rows := len(m.Classes)
	if rows == 2 && len(m.Coef) == 1 {
		rows = 1
	}
	if len(m.Coef) != rows || len(m.Intercept) != rows {
		return nil, fmt.Errorf("classifier: want %d coefficient rows, got %d coef / %d intercept", rows, len(m.Coef), len(m.Intercept))
	}
	for i, row := range m.Coef {
		if len(row) != features {
			return nil, fmt.Errorf("classifier: coef row %d has %d weights, want %d", i, len(row), features)
		}
	}
	return &Linear{model: m}, nil
}

// Classes returns the label order of the model.
func (l *Linear) Classes() []string {
	return append([]string(nil), l.model.Classes...)
}

func (l *Linear) Predict(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	x := l.vectorize(textclean.Tokens(text))

	scores := make([]float64, len(l.model.Coef))
	for k, row := range l.model.Coef {
		s := l.model.Intercept[k]
		for j, v := range x {
			s += row[j] * v
		}
		scores[k] = s
	}

	var probs []float64
	if len(scores) == 1 {
		p := sigmoid(scores[0])
		probs = []float64{1 - p, p}
	} else {
		probs = softmax(scores)
	}

	best := 0
	dist := make(map[string]float64, len(probs))
	for i, p := range probs {
		dist[l.model.Classes[i]] = p
		if p > probs[best] {
			best = i
		}
	}
	return Result{
		Category:     l.model.Classes[best],
		Confidence:   probs[best],
		Distribution: dist,
	}, nil
}

// vectorize returns the sparse L2-normalized TF-IDF vector as index->weight.
func (l *Linear) vectorize(tokens []string) map[int]float64 {
	tf := make(map[int]float64)
	for _, tok := range tokens {
		if idx, ok := l.model.Vocabulary[tok]; ok {
			tf[idx]++
		}
	}
	var norm float64
	for idx, count := range tf {
		if l.model.SublinearTF {
			count = 1 + math.Log(count)
		}
		w := count * l.model.IDF[idx]
		tf[idx] = w
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for idx := range tf {
			tf[idx] /= norm
		}
	}
	return tf
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func softmax(scores []float64) []float64 {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
