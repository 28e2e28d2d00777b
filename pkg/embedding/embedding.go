// Package embedding implements component A of the pattern intelligence core:
// turning text into unit-norm vectors. It is grounded on the teacher's
// pkg/sqvect/embedder.go Embedder interface, generalized with a deterministic
// fallback implementation since the core ships without a bundled model.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/patterncore/intel/pkg/errs"
)

// Dimension is the fixed vector width every embedder in this module produces.
const Dimension = 384

// Embedder turns text into a unit-norm vector of Dimension length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// HashProjectionEmbedder is a deterministic, model-free fallback: it hashes
// each token of the input text into a seeded stream of pseudo-random
// projections, sums them, and normalizes the result to unit length. It is
// reproducible (same text always yields the same vector) which makes it
// suitable for tests and for a caller that has not wired in a real
// model-backed embedder.
type HashProjectionEmbedder struct {
	dim   int
	mu    sync.Mutex
	cache map[string][]float32
}

// NewHashProjectionEmbedder constructs the fallback embedder.
func NewHashProjectionEmbedder() *HashProjectionEmbedder {
	return &HashProjectionEmbedder{dim: Dimension, cache: make(map[string][]float32)}
}

// New resolves the Embedder a caller should use: a real model-backed
// implementation when one is plugged in, otherwise the deterministic
// HashProjectionEmbedder fallback — unless fallbackEnabled is false, in
// which case having no real embedder configured is a hard startup failure
// (errs.ErrUnavailable, Fatal kind), per spec.md §4.A.
func New(real Embedder, fallbackEnabled bool) (Embedder, error) {
	if real != nil {
		return real, nil
	}
	if !fallbackEnabled {
		return nil, errs.New("embedding.new", errs.Fatal, errs.ErrUnavailable)
	}
	return NewHashProjectionEmbedder(), nil
}

// Dim reports the embedder's output width.
func (e *HashProjectionEmbedder) Dim() int { return e.dim }

// Embed deterministically projects text into a unit-norm vector, memoizing
// by exact text match (spec.md's "same text always yields the same vector").
func (e *HashProjectionEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("embed", errs.Cancelled, err)
	}
	if text == "" {
		return nil, errs.New("embed", errs.Validation, fmt.Errorf("text cannot be empty"))
	}

	e.mu.Lock()
	if cached, ok := e.cache[text]; ok {
		e.mu.Unlock()
		return cloneVec(cached), nil
	}
	e.mu.Unlock()

	vec := e.project(text)
	e.mu.Lock()
	e.cache[text] = vec
	e.mu.Unlock()
	return cloneVec(vec), nil
}

// EmbedBatch embeds each text independently, short-circuiting on the first
// error. Grounded on the teacher's BaseEmbedder.EmbedBatch goroutine fan-out,
// simplified to sequential calls since hash projection is CPU-cheap.
func (e *HashProjectionEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// project splits text into lower-cased alphanumeric tokens, expands each
// token into a seeded stream of pseudo-random floats via repeated SHA-256
// hashing, sums the per-token streams, then L2-normalizes the result. Texts
// that share tokens therefore get correlated vectors.
func (e *HashProjectionEmbedder) project(text string) []float32 {
	vec := make([]float32, e.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for _, tok := range tokens {
		block := sha256.Sum256([]byte(tok))
		idx := 0
		for idx < e.dim {
			block = sha256.Sum256(block[:])
			for i := 0; i+4 <= len(block) && idx < e.dim; i += 4 {
				bits := binary.BigEndian.Uint32(block[i : i+4])
				// Map to [-1, 1).
				vec[idx] += float32(bits)/float32(math.MaxUint32)*2 - 1
				idx++
			}
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
