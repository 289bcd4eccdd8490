package scanner

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/MrElectrify/memscan/pattern"
)

// DefaultChunkSize is the read size of StreamingScanner when none is given.
const DefaultChunkSize = 64 << 10

// StreamingScanner searches an io.Reader chunk by chunk without loading it whole.
// Consecutive chunks overlap by len(pattern)-1 bytes, so windows crossing a chunk
// boundary are found exactly once. Safe for concurrent use with different readers.
type StreamingScanner struct {
	scanner   *Scanner
	chunkSize int
}

// NewStreamingScanner returns a streaming scanner reading chunkSize bytes at a time
// (<= 0: DefaultChunkSize).
func NewStreamingScanner(scanner *Scanner, chunkSize int) *StreamingScanner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if scanner == nil {
		scanner = NewScanner()
	}
	return &StreamingScanner{scanner: scanner, chunkSize: chunkSize}
}

// ScanStream returns all matches in r with offsets relative to the start of the stream.
func (s *StreamingScanner) ScanStream(ctx context.Context, r io.Reader, p pattern.Pattern) ([]Match, error) {
	if p.IsEmpty() {
		return nil, ErrInvalidPattern
	}
	overlap := p.Len() - 1
	size := s.chunkSize
	if size < 2*p.Len() {
		size = 2 * p.Len()
	}

	results := make([]Match, 0)
	buf := make([]byte, size)
	carry := 0 // bytes at the front of buf kept from the previous chunk
	base := 0  // stream offset of buf[0]
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		nr, readErr := io.ReadFull(r, buf[carry:])
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return results, readErr
		}
		total := carry + nr
		chunk := buf[:total]

		// every window in chunk ends past the carried bytes, so none was reported before
		if total >= p.Len() {
			matches, err := s.scanner.Scan(ctx, chunk, p)
			if err != nil {
				return results, err
			}
			for _, m := range matches {
				results = append(results, Match{Offset: base + m.Offset, Length: m.Length})
			}
		}
		if readErr != nil {
			break
		}

		keep := overlap
		if keep > total {
			keep = total
		}
		copy(buf, chunk[total-keep:])
		base += total - keep
		carry = keep
	}
	return results, nil
}

// ScanFile streams the file at path through ScanStream.
func (s *StreamingScanner) ScanFile(ctx context.Context, path string, p pattern.Pattern) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.ScanStream(ctx, f, p)
}

// WorkerPool scans many named streams concurrently for one pattern.
type WorkerPool struct {
	scanner *StreamingScanner
	pattern pattern.Pattern
	workers int
	jobs    chan scanJob
	results chan StreamResult
	wg      sync.WaitGroup
	ctx     context.Context
}

type scanJob struct {
	id     string
	reader io.Reader
	closer io.Closer
}

// StreamResult is the outcome of one submitted stream.
type StreamResult struct {
	ID      string
	Matches []Match
	Err     error
}

// NewWorkerPool starts workers goroutines (< 1: 4) scanning for p.
func NewWorkerPool(ctx context.Context, scanner *StreamingScanner, p pattern.Pattern, workers int) *WorkerPool {
	if workers < 1 {
		workers = 4
	}
	wp := &WorkerPool{
		scanner: scanner,
		pattern: p,
		workers: workers,
		jobs:    make(chan scanJob, workers*2),
		results: make(chan StreamResult, workers*2),
		ctx:     ctx,
	}
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		matches, err := wp.scanner.ScanStream(wp.ctx, job.reader, wp.pattern)
		if job.closer != nil {
			_ = job.closer.Close()
		}
		wp.results <- StreamResult{ID: job.id, Matches: matches, Err: err}
	}
}

// Submit queues a stream. It blocks when the queue is full.
func (wp *WorkerPool) Submit(id string, r io.Reader) {
	wp.jobs <- scanJob{id: id, reader: r}
}

// SubmitFile opens path and queues it; the file is closed after scanning. An open
// failure is delivered as a result.
func (wp *WorkerPool) SubmitFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		wp.jobs <- scanJob{id: path, reader: errReader{err}}
		return
	}
	wp.jobs <- scanJob{id: path, reader: f, closer: f}
}

// Results returns the result channel; it is closed by Close.
func (wp *WorkerPool) Results() <-chan StreamResult {
	return wp.results
}

// Close stops accepting jobs and waits for the workers. Results must be drained
// concurrently, or Close may block.
func (wp *WorkerPool) Close() {
	close(wp.jobs)
	wp.wg.Wait()
	close(wp.results)
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
