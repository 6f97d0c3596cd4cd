// Package chunker splits extracted text into overlapping windows for
// embedding. Boundaries are rune-aligned so multi-byte characters never
// split across chunks.
package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// ctxCheckEvery bounds how many chunks are cut between context checks.
const ctxCheckEvery = 64

// Overlapping is the default chunker.
type Overlapping struct{}

// New returns the overlapping-window chunker.
func New() *Overlapping { return &Overlapping{} }

var _ domain.Chunker = (*Overlapping)(nil)

// Chunk cuts text into windows of size runes advancing by size-overlap.
// Whitespace-only windows are skipped. Cancellation is honored between
// windows; long documents do not pin the worker past its deadline.
func (c *Overlapping) Chunk(ctx context.Context, text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("op=chunker.chunk: %w: size must be positive", domain.ErrInvalidArgument)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("op=chunker.chunk: %w: overlap must be in [0, size)", domain.ErrInvalidArgument)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		if len(chunks)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("op=chunker.chunk: %w", err)
			}
		}
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
