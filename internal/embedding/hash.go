package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashClient is an offline embedding client using the hashing trick over
// lower-cased tokens. Vectors are L2-normalized and depend only on the input.
type HashClient struct {
	dimension int
}

func NewHashClient(dimension int) *HashClient {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashClient{dimension: dimension}
}

func (c *HashClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = c.embed(t)
	}
	return out, nil
}

func (c *HashClient) embed(text string) []float32 {
	vec := make([]float32, c.dimension)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(c.dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
