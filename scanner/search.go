package scanner

import (
	"bytes"
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/MrElectrify/memscan/pattern"
)

// minParallelChunk is the smallest number of start offsets handed to one goroutine.
const minParallelChunk = 4096

// FindPattern returns every window of buf that matches p, in ascending offset order.
// A pattern longer than buf yields no matches; the empty pattern yields
// ErrInvalidPattern.
func FindPattern(buf []byte, p pattern.Pattern) ([]Match, error) {
	if p.IsEmpty() {
		return nil, ErrInvalidPattern
	}
	return findRange(buf, p, 0, len(buf)-p.Len()+1), nil
}

// FindPatternParallel is FindPattern with the start offsets split into contiguous
// ranges searched concurrently. Each range writes its own slot and the slots are joined
// in range order, so the result is identical to FindPattern. workers <= 0 means
// runtime.NumCPU().
func FindPatternParallel(ctx context.Context, buf []byte, p pattern.Pattern, workers int) ([]Match, error) {
	if p.IsEmpty() {
		return nil, ErrInvalidPattern
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	starts := len(buf) - p.Len() + 1
	ranges := splitRange(starts, workers, minParallelChunk)
	if len(ranges) <= 1 {
		return findRange(buf, p, 0, starts), nil
	}

	parts := make([][]Match, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for idx, r := range ranges {
		idx, r := idx, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parts[idx] = findRange(buf, p, r[0], r[1])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, part := range parts {
		total += len(part)
	}
	out := make([]Match, 0, total)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out, nil
}

// findRange tests the windows starting at offsets [from, to).
func findRange(buf []byte, p pattern.Pattern, from, to int) []Match {
	n := p.Len()
	out := make([]Match, 0)
	if to <= from {
		return out
	}
	anchorOff, anchor, ok := p.Anchor()
	if !ok {
		// all wildcards: every window matches
		for i := from; i < to; i++ {
			out = append(out, Match{Offset: i, Length: n})
		}
		return out
	}
	for i := from; i < to; i++ {
		// jump to the next start offset whose anchor position holds the anchor byte
		j := bytes.IndexByte(buf[i+anchorOff:to+anchorOff], anchor)
		if j < 0 {
			break
		}
		i += j
		if p.Matches(buf[i : i+n]) {
			out = append(out, Match{Offset: i, Length: n})
		}
	}
	return out
}

// splitRange divides [0, n) into at most parts contiguous [from, to) ranges of at
// least minChunk elements each (the last range takes the remainder).
func splitRange(n, parts, minChunk int) [][2]int {
	if n <= 0 {
		return nil
	}
	if minChunk < 1 {
		minChunk = 1
	}
	if maxParts := n / minChunk; parts > maxParts {
		parts = maxParts
	}
	if parts < 1 {
		parts = 1
	}
	per := n / parts
	ranges := make([][2]int, 0, parts)
	for i := 0; i < parts; i++ {
		from, to := i*per, (i+1)*per
		if i == parts-1 {
			to = n
		}
		ranges = append(ranges, [2]int{from, to})
	}
	return ranges
}
