// Package consoletest provides a scripted in-memory console channel for
// exercising session logic without real hardware.
package consoletest

import (
	"io"
	"strings"
	"sync"
)

// Rule maps an incoming line to a canned reply. A non-empty Match matches by
// substring; an empty Match matches only a blank line. The first matching
// rule wins. Rules fire repeatedly unless marked Once, which lets a script
// give different answers to the same input over time.
type Rule struct {
	Match string
	Reply string
	Once  bool

	fired bool
}

// ScriptedChannel is an io.ReadWriteCloser that emits scripted replies to
// lines written into it. Reads block until a reply is available or the
// channel is closed.
type ScriptedChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	rules   []Rule
	pending strings.Builder // partial line being written
	out     []byte          // bytes waiting to be read
	lines   []string        // every completed line written, for assertions
	closed  bool
}

// New builds a channel with the given reply script.
func New(rules []Rule) *ScriptedChannel {
	c := &ScriptedChannel{rules: rules}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Feed queues raw output for the reader, outside the rule script.
func (c *ScriptedChannel) Feed(s string) {
	c.mu.Lock()
	c.out = append(c.out, s...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Lines returns every completed line written to the channel so far.
func (c *ScriptedChannel) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// SentContaining reports whether any written line contains substr.
func (c *ScriptedChannel) SentContaining(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func (c *ScriptedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		if b == '\n' {
			line := strings.TrimRight(c.pending.String(), "\r")
			c.pending.Reset()
			c.deliverLocked(line)
			continue
		}
		c.pending.WriteByte(b)
	}
	// A bare continuation keystroke or interrupt arrives without a newline.
	switch c.pending.String() {
	case " ", "\x03":
		line := c.pending.String()
		c.pending.Reset()
		c.deliverLocked(line)
	}
	return len(p), nil
}

func (c *ScriptedChannel) deliverLocked(line string) {
	c.lines = append(c.lines, line)
	for i := range c.rules {
		r := &c.rules[i]
		if r.Once && r.fired {
			continue
		}
		if r.Match == "" {
			if line != "" {
				continue
			}
		} else if !strings.Contains(line, r.Match) {
			continue
		}
		r.fired = true
		c.out = append(c.out, r.Reply...)
		c.cond.Broadcast()
		return
	}
}

func (c *ScriptedChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.out) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *ScriptedChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}
