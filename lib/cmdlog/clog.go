// Package cmdlog traces the traffic of a maglab.Conn, styling commands and
// replies for a terminal.
package cmdlog

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/maglab"
)

// printable reports whether s is safe to log quoted: control characters
// other than BEL..CR, and anything outside 7-bit ASCII, make it binary.
func printable(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

// Conn logs every round trip of the wrapped conn at info level.
type Conn struct {
	next maglab.Conn
	log  logrus.FieldLogger
}

var _ maglab.Conn = (*Conn)(nil)

// Wrap returns next with tracing. A nil logger means the logrus standard
// logger.
func Wrap(next maglab.Conn, log logrus.FieldLogger) *Conn {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{next: next, log: log}
}

// Unwrap returns the traced conn.
func (c *Conn) Unwrap() maglab.Conn { return c.next }

// Command implements maglab.Conn.
func (c *Conn) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	// the formatted text goes down as-is
	if err := c.next.Command("%s", cmd); err != nil {
		c.log.Errorf("cmd %s: error %s", CmdStyle.Render(cmd), err)
		return err
	}
	c.log.Infof("%s()", CmdStyle.Render(cmd))
	return nil
}

// Query implements maglab.Conn.
func (c *Conn) Query(q string) (string, error) {
	a, err := c.next.Query(q)
	styled := CmdStyle.Render(q)
	if err != nil {
		c.log.Errorf("query %s: error %s", styled, err)
		return a, err
	}
	c.log.Info(Describe(styled, a))
	return a, nil
}

// QueryBlock implements maglab.BlockQuerier.
func (c *Conn) QueryBlock(q string) ([]byte, error) {
	b, err := maglab.QueryBlock(c.next, q)
	styled := CmdStyle.Render(q)
	if err != nil {
		c.log.Errorf("query %s: error %s", styled, err)
		return b, err
	}
	c.log.Info(Describe(styled, string(b)))
	return b, nil
}

// Terminators forwards to the wrapped conn when it knows them.
func (c *Conn) Terminators() (read, write maglab.Terminator) {
	if t, ok := c.next.(maglab.Terminated); ok {
		return t.Terminators()
	}
	return maglab.TermCR, maglab.TermCR
}

// SetReadTerminator forwards to the wrapped conn.
func (c *Conn) SetReadTerminator(t maglab.Terminator) {
	if rt, ok := c.next.(maglab.TerminatorSetter); ok {
		rt.SetReadTerminator(t)
	}
}

// Describe renders one reply for the trace: quoted when printable, quoted
// with a hex dump when short binary, hex only otherwise.
func Describe(q, a string) string {
	a = strings.TrimSuffix(a, "\n") // appended by ar488
	if len(a) == 1 && a[0] == 0xff {
		// some instruments reply 0xff when the last command has no result
		a = ""
	}
	switch {
	case len(a) == 0:
		return fmt.Sprintf("%s: %s", q, R1Style.Render("<no response>"))
	case printable(a):
		return fmt.Sprintf("%s: [%d] %s", q, len(a), R2Style.Render(fmt.Sprintf("%q", a)))
	case len(a) < 32:
		return fmt.Sprintf("%s: [%d] %q (% 2x)", q, len(a), a, []byte(a))
	}
	return fmt.Sprintf("%s: [%d] % 2x", q, len(a), []byte(a))
}
