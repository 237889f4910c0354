package hotword

import "math"

// Classifier maps a window of feature frames (frame-major, oldest first) to
// the vector that is compared against hotword templates.
type Classifier interface {
	Embed(window []float32) ([]float32, error)
	// EmbeddingSize is the length of Embed's output for a window of windowLen values.
	EmbeddingSize(windowLen int) int
	Destroy() error
}

// TemplateClassifier compares the raw feature window with templates enrolled
// from recordings. It needs no network.
type TemplateClassifier struct{}

func (TemplateClassifier) Embed(window []float32) ([]float32, error) { return window, nil }

func (TemplateClassifier) EmbeddingSize(windowLen int) int { return windowLen }

func (TemplateClassifier) Destroy() error { return nil }

// template is a reference vector normalized to unit length.
type template []float32

func newTemplate(v []float32) template {
	t := make(template, len(v))
	n := norm(v)
	if n == 0 {
		return t
	}
	for i, x := range v {
		t[i] = float32(float64(x) / n)
	}
	return t
}

// ScoreVector calculates the maximum cosine similarity score between an input vector
// and a set of templates, mapped to [0, 1]
func ScoreVector(inputVector []float32, templates []template) float32 {
	n := norm(inputVector)
	if n == 0 {
		return .0
	}
	var maxSimilarity float32 = .0
	for _, t := range templates {
		if len(t) != len(inputVector) {
			continue
		}
		cos := dotProduct(inputVector, t) / n
		similarity := float32((cos + 1) / 2)
		if similarity > maxSimilarity {
			maxSimilarity = similarity
		}
	}
	return maxSimilarity
}

// Threshold converts a sensitivity in [0,1] to the score a hotword must exceed.
// Higher sensitivity lowers the bar.
func Threshold(sensitivity float64) float64 {
	return 1 - sensitivity/2
}

// Compute the dot product of two vectors
func dotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
