package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync/atomic"
)

// FakeProvider is a deterministic in-memory provider for tests: the same
// text always embeds to the same unit vector, different texts to different
// ones. Set Fail to exercise degradation paths.
type FakeProvider struct {
	Dim  int
	Fail atomic.Bool

	calls atomic.Int64
}

// NewFakeProvider returns a fake with the given dimension.
func NewFakeProvider(dim int) *FakeProvider {
	return &FakeProvider{Dim: dim}
}

func (f *FakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.Fail.Load() {
		return nil, ErrEmbeddingFailed
	}
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *FakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.Fail.Load() {
		return nil, ErrEmbeddingFailed
	}
	if text == "" {
		return nil, ErrEmptyInput
	}
	return f.vector(text), nil
}

func (f *FakeProvider) Dimension() int {
	return f.Dim
}

func (f *FakeProvider) Close() error {
	return nil
}

// Calls returns how many embed calls were made.
func (f *FakeProvider) Calls() int64 {
	return f.calls.Load()
}

// vector hashes text into a normalized pseudo-random vector.
func (f *FakeProvider) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, f.Dim)
	var norm float64
	for i := range v {
		// Stretch the digest by re-hashing with the index appended.
		h := sha256.Sum256(append(sum[:], byte(i), byte(i>>8)))
		bits := binary.LittleEndian.Uint32(h[:4])
		v[i] = float32(bits%2000)/1000 - 1 // [-1, 1)
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
