package logs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Line is one timestamped log line from a container.
type Line struct {
	Time    time.Time
	Service string
	Text    string
}

// Collector fans container output out to any number of attached streams.
// Each attached Stream holds its own cursor into the retained line history,
// so consumers never contend over consumption state and detaching one
// never affects another.
type Collector struct {
	mu    sync.Mutex
	nodes map[string]*node
	clock func() time.Time
}

type node struct {
	mu      sync.Mutex
	lines   []Line
	closed  bool
	changed chan struct{}
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		nodes: make(map[string]*node),
		clock: time.Now,
	}
}

func (c *Collector) nodeFor(service string) *node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[service]
	if !ok {
		n = &node{changed: make(chan struct{})}
		c.nodes[service] = n
	}
	return n
}

// Attach returns a new Stream over the service's output, cursor at the
// start of the retained history. Attaching to a service that never logged
// (or does not exist yet) is valid; the stream fills in once lines arrive.
func (c *Collector) Attach(service string) *Stream {
	return &Stream{n: c.nodeFor(service)}
}

// Publish appends one line to the service's history and wakes any blocked
// consumers.
func (c *Collector) Publish(service, text string) {
	n := c.nodeFor(service)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.lines = append(n.lines, Line{Time: c.clock(), Service: service, Text: text})
	close(n.changed)
	n.changed = make(chan struct{})
}

// Close marks the service's stream exhausted: blocked consumers drain the
// remaining history and then see the end of the stream instead of waiting
// forever on a stopped container.
func (c *Collector) Close(service string) {
	n := c.nodeFor(service)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.changed)
	n.changed = make(chan struct{})
}

// Pump reads raw container output line by line, publishing each line under
// the service's name, and closes the stream when the source ends. Intended
// to run in its own goroutine for the lifetime of the container.
func (c *Collector) Pump(service string, r io.Reader) {
	defer c.Close(service)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.Publish(service, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Log stream ended with error", "service", service, "error", err)
	}
}

// Stream is one consumer's lazy cursor over a service's log lines.
type Stream struct {
	n      *node
	cursor int
}

// Next blocks cooperatively until a new line is available, the stream is
// exhausted (ok=false), or ctx is cancelled (ok=false).
func (s *Stream) Next(ctx context.Context) (Line, bool) {
	for {
		s.n.mu.Lock()
		if s.cursor < len(s.n.lines) {
			line := s.n.lines[s.cursor]
			s.cursor++
			s.n.mu.Unlock()
			return line, true
		}
		if s.n.closed {
			s.n.mu.Unlock()
			return Line{}, false
		}
		changed := s.n.changed
		s.n.mu.Unlock()

		select {
		case <-ctx.Done():
			return Line{}, false
		case <-changed:
		}
	}
}

// Tail copies every line of the stream to w until the stream is exhausted
// or ctx is cancelled.
func (s *Stream) Tail(ctx context.Context, w io.Writer) {
	for {
		line, ok := s.Next(ctx)
		if !ok {
			return
		}
		fmt.Fprintf(w, "%s %s | %s\n", line.Time.Format(time.RFC3339), line.Service, line.Text)
	}
}
