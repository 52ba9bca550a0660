package pipeline

import (
	"context"
	"sync"
)

// =============================================================================
// Answer Stream
// =============================================================================

// AnswerStream is an ordered, finite, non-restartable sequence of answer
// fragments. The synthesizer is the single producer; the transport layer is
// the single consumer. The concatenation of all fragments read from
// Fragments() equals the full answer when Err() returns nil afterwards.
//
// A stream ends in exactly one of two ways, and the consumer can always tell
// them apart:
//
//   - clean completion: Fragments() is closed and Err() returns nil;
//   - terminal failure: Fragments() is closed and Err() returns the failure.
//
// A mid-stream failure is therefore never observable as silent truncation.
type AnswerStream struct {
	fragments chan string

	mu  sync.Mutex
	err error
}

// fragmentBuffer decouples the producer from slow consumers without letting
// the whole answer accumulate in memory.
const fragmentBuffer = 16

// NewAnswerStream creates an empty stream. The creator owns the producer
// side and must end it with exactly one Close or Fail call.
func NewAnswerStream() *AnswerStream {
	return &AnswerStream{fragments: make(chan string, fragmentBuffer)}
}

// Fragments returns the receive side of the stream. Read until the channel
// closes, then check Err to distinguish clean completion from failure.
func (s *AnswerStream) Fragments() <-chan string {
	return s.fragments
}

// Err returns the terminal error, if any. Only meaningful after Fragments()
// has been closed.
func (s *AnswerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers one fragment to the consumer, giving up if the context is
// canceled (caller disconnected).
func (s *AnswerStream) Push(ctx context.Context, fragment string) error {
	select {
	case s.fragments <- fragment:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream cleanly. Must be called exactly once by the
// producer, after the last fragment.
func (s *AnswerStream) Close() {
	close(s.fragments)
}

// Fail records the terminal error and ends the stream. Must be called at
// most once, instead of Close.
func (s *AnswerStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.fragments)
}
