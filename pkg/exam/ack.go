package exam

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Verdict is the outcome of the human-wait gate
type Verdict int

const (
	Acknowledged Verdict = iota
	Cancelled
	// Withdrawn means the source can no longer produce a verdict, e.g. its
	// input reached EOF. First never returns it.
	Withdrawn
)

func (v Verdict) String() string {
	switch v {
	case Acknowledged:
		return "acknowledged"
	case Withdrawn:
		return "withdrawn"
	default:
		return "cancelled"
	}
}

// Acknowledger waits for an operator to finish the task. Await returns
// Cancelled once ctx is done.
type Acknowledger interface {
	Await(ctx context.Context) Verdict
}

// ConsoleAcknowledger waits for a line on a reader, normally stdin. Reads
// run on a dedicated goroutine because they cannot be interrupted; a
// cancelled wait leaves it parked until the next line or EOF.
type ConsoleAcknowledger struct {
	In     io.Reader
	Out    io.Writer
	Prompt string

	once  sync.Once
	lines chan error
}

// NewConsoleAcknowledger reads from in and prints the prompt to out
func NewConsoleAcknowledger(in io.Reader, out io.Writer) *ConsoleAcknowledger {
	return &ConsoleAcknowledger{
		In:     in,
		Out:    out,
		Prompt: "Press Enter when you have finished the task...",
	}
}

func (a *ConsoleAcknowledger) start() {
	a.lines = make(chan error)
	go func() {
		reader := bufio.NewReader(a.In)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && line != "" && errors.Is(err, io.EOF) {
				// Last line without a trailing newline is still input
				err = nil
			}
			a.lines <- err
			if err != nil {
				close(a.lines)
				return
			}
		}
	}()
}

// Await blocks until a line is read (Acknowledged), EOF or a read error
// (Withdrawn), or ctx is done (Cancelled).
func (a *ConsoleAcknowledger) Await(ctx context.Context) Verdict {
	a.once.Do(a.start)

	if a.Out != nil && a.Prompt != "" {
		fmt.Fprintln(a.Out, a.Prompt)
	}

	select {
	case err, ok := <-a.lines:
		if !ok || err != nil {
			return Withdrawn
		}
		return Acknowledged
	case <-ctx.Done():
		return Cancelled
	}
}

// ChannelAcknowledger is resolved programmatically, e.g. by the status API.
// A verdict is only accepted while Await is running, and only once.
type ChannelAcknowledger struct {
	mu       sync.Mutex
	waiting  chan Verdict
	resolved bool
}

// NewChannelAcknowledger creates an unresolved acknowledger
func NewChannelAcknowledger() *ChannelAcknowledger {
	return &ChannelAcknowledger{}
}

// Ack resolves the wait as acknowledged. It returns false when no wait is
// in progress or a verdict was already given.
func (a *ChannelAcknowledger) Ack() bool {
	return a.resolve(Acknowledged)
}

// Abort resolves the wait as cancelled
func (a *ChannelAcknowledger) Abort() bool {
	return a.resolve(Cancelled)
}

// Waiting reports whether an Await is in progress
func (a *ChannelAcknowledger) Waiting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waiting != nil && !a.resolved
}

func (a *ChannelAcknowledger) resolve(v Verdict) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiting == nil || a.resolved {
		return false
	}
	a.resolved = true
	a.waiting <- v
	return true
}

// Await blocks until Ack, Abort or ctx is done
func (a *ChannelAcknowledger) Await(ctx context.Context) Verdict {
	ch := make(chan Verdict, 1)
	a.mu.Lock()
	a.waiting = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.waiting = nil
		a.mu.Unlock()
	}()

	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		return Cancelled
	}
}

// First races acknowledgers and returns the earliest verdict. The losers
// see a cancelled context. Acknowledgers that withdraw drop out of the
// race; when all of them have withdrawn the wait is Cancelled.
func First(ctx context.Context, acks ...Acknowledger) Verdict {
	if len(acks) == 0 {
		<-ctx.Done()
		return Cancelled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	verdicts := make(chan Verdict, len(acks))
	for _, ack := range acks {
		go func(ack Acknowledger) {
			verdicts <- ack.Await(ctx)
		}(ack)
	}

	remaining := len(acks)
	for {
		select {
		case v := <-verdicts:
			if v != Withdrawn {
				return v
			}
			remaining--
			if remaining == 0 {
				return Cancelled
			}
		case <-ctx.Done():
			return Cancelled
		}
	}
}
