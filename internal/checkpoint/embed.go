package checkpoint

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the embedding size of HashEmbedder.
const DefaultDimensions = 256

// HashEmbedder maps text to a normalized hashed bag-of-words vector.
// Dimension 0 is a constant bias so no vector is zero, even for empty text.
type HashEmbedder struct {
	Dimensions int
}

// Embed returns the embedding of text.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions
	if dims < 2 {
		dims = DefaultDimensions
	}
	vec := make([]float32, dims)
	vec[0] = 1
	for _, tok := range tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		idx := 1 + int(sum%uint32(dims-1))
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
