// Package sim provides a scripted stand-in for a bench instrument. It is
// used by the tests of every profile package and by the examples' -sim flag.
//
// An Instrument answers commands through a pattern table: exact commands
// first, then the longest matching prefix. It implements maglab.Conn
// directly and io.ReadWriter for exercising a maglab.Controller on the wire.
package sim

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Handler computes the reply to cmd. An empty reply means the command
// produces none.
type Handler func(cmd string) string

type prefixHandler struct {
	prefix string
	h      Handler
}

// Instrument is a simulated instrument. The zero value is not usable; call New.
type Instrument struct {
	mu       sync.Mutex
	exact    map[string]Handler
	prefixes []prefixHandler
	fail     map[string]error
	log      []string
	Unknown  func(cmd string) string // reply for unmatched queries; default "?"+cmd

	// wire mode
	term string
	in   bytes.Buffer
	out  bytes.Buffer
}

// New returns an instrument that replies on the wire with term appended.
func New(term string) *Instrument {
	return &Instrument{
		exact: make(map[string]Handler),
		fail:  make(map[string]error),
		term:  term,
	}
}

// Handle registers h for exactly cmd.
func (s *Instrument) Handle(cmd string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[cmd] = h
}

// Reply registers a constant reply for exactly cmd.
func (s *Instrument) Reply(cmd, reply string) {
	s.Handle(cmd, func(string) string { return reply })
}

// HandlePrefix registers h for every command starting with prefix. Longer
// prefixes win.
func (s *Instrument) HandlePrefix(prefix string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prefixes {
		if s.prefixes[i].prefix == prefix {
			s.prefixes[i].h = h
			return
		}
	}
	s.prefixes = append(s.prefixes, prefixHandler{prefix: prefix, h: h})
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
}

// FailOn makes every round trip for cmd return err.
func (s *Instrument) FailOn(cmd string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[cmd] = err
}

// Log returns every command received, in order.
func (s *Instrument) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// ClearLog forgets the received commands.
func (s *Instrument) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// Sent reports whether any received command starts with prefix.
func (s *Instrument) Sent(prefix string) bool {
	for _, c := range s.Log() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Command implements maglab.Conn.
func (s *Instrument) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	_, err := s.dispatch(strings.TrimSpace(cmd), false)
	return err
}

// Query implements maglab.Conn.
func (s *Instrument) Query(cmd string) (string, error) {
	return s.dispatch(strings.TrimSpace(cmd), true)
}

func (s *Instrument) dispatch(cmd string, query bool) (string, error) {
	s.mu.Lock()
	s.log = append(s.log, cmd)
	if err, ok := s.fail[cmd]; ok {
		s.mu.Unlock()
		return "", err
	}
	h := s.lookup(cmd)
	unknown := s.Unknown
	s.mu.Unlock()

	switch {
	case h != nil:
		return h(cmd), nil
	case !query:
		return "", nil
	case unknown != nil:
		return unknown(cmd), nil
	}
	return "?" + cmd, nil
}

// lookup finds the handler for cmd. s.mu is held.
func (s *Instrument) lookup(cmd string) Handler {
	if h, ok := s.exact[cmd]; ok {
		return h
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(cmd, p.prefix) {
			return p.h
		}
	}
	return nil
}

// Write accepts wire bytes. Complete lines are dispatched; Prologix escape
// bytes are removed and "++" adapter commands are logged and answered when
// a handler exists.
func (s *Instrument) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.in.Write(p)
	var lines []string
	for {
		b := s.in.Bytes()
		i := indexLineEnd(b)
		if i < 0 {
			break
		}
		line := string(b[:i])
		s.in.Next(i + 1)
		line = strings.ReplaceAll(line, "\x1b", "")
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	s.mu.Unlock()

	for _, line := range lines {
		if line == "++read eoi" {
			continue
		}
		reply, err := s.dispatch(line, s.hasReply(line))
		if err != nil {
			return 0, err
		}
		if reply != "" {
			s.mu.Lock()
			s.out.WriteString(reply)
			if strings.HasPrefix(line, "++") {
				s.out.WriteString("\r\n")
			} else {
				s.out.WriteString(s.term)
			}
			s.mu.Unlock()
		}
	}
	return len(p), nil
}

// hasReply reports whether line expects an answer: a handler is registered
// for it, or it is a device query containing '?'.
func (s *Instrument) hasReply(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(line) != nil {
		return true
	}
	return !strings.HasPrefix(line, "++") && strings.Contains(line, "?")
}

// Read returns pending reply bytes, or io.EOF when there are none.
func (s *Instrument) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// indexLineEnd finds the first CR or LF that is not escaped with ESC.
func indexLineEnd(b []byte) int {
	for i, c := range b {
		if c != '\r' && c != '\n' {
			continue
		}
		if i > 0 && b[i-1] == 0x1b {
			continue
		}
		return i
	}
	return -1
}
