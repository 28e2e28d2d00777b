// Package encoding provides the vector/metadata codec shared by the durable
// stores. Persisted embeddings are JSON arrays of float32 per spec.md §6
// ("embedding is a JSON array of f32"), carried from the teacher's binary
// codec but switched to JSON to match the mandated on-disk format.
package encoding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when vector data is malformed or fails
// numeric sanity checks (NaN, Inf).
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector serializes a float32 vector to its JSON array representation.
func EncodeVector(vector []float32) (string, error) {
	if vector == nil {
		return "", ErrInvalidVector
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return string(data), nil
}

// DecodeVector parses a JSON array back into a float32 vector.
func DecodeVector(data string) ([]float32, error) {
	if data == "" {
		return nil, ErrInvalidVector
	}
	var vector []float32
	if err := json.Unmarshal([]byte(data), &vector); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vector, nil
}

// EncodeMetadata serializes an arbitrary metadata map to JSON, returning ""
// for a nil map so callers can store NULL/empty cleanly.
func EncodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses a JSON metadata blob, returning nil for an empty string.
func DecodeMetadata(jsonStr string) (map[string]string, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// ValidateVector rejects nil/empty vectors and any NaN or Inf component.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, val := range vector {
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// Norm2 returns the L2 norm of the vector.
func Norm2(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
