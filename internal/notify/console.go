package notify

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// ConsoleSink writes notifications as JSON lines. It stands in for a real
// presentation surface during development and in tests.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out}
}

func (s *ConsoleSink) Notify(_ context.Context, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(append(b, '\n'))
	return err
}
