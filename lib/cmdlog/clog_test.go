package cmdlog

import (
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/sim"
)

func TestWrap(t *testing.T) {
	is := is.New(t)
	log, hook := test.NewNullLogger()
	s := sim.New("\r")
	s.Reply("*IDN?", "KEITHLEY INSTRUMENTS INC.,MODEL 2400,1,C30")
	c := Wrap(s, log)

	is.NoErr(c.Command(":OUTP:STAT %s", "ON"))
	id, err := c.Query("*IDN?")
	is.NoErr(err)
	is.True(strings.HasPrefix(id, "KEITHLEY"))
	is.Equal(s.Log(), []string{":OUTP:STAT ON", "*IDN?"})

	entries := hook.AllEntries()
	is.Equal(len(entries), 2)
	is.True(strings.Contains(entries[0].Message, ":OUTP:STAT ON"))
	is.True(strings.Contains(entries[1].Message, "[42]"))
	is.Equal(entries[1].Level, logrus.InfoLevel)
}

func TestWrapPercent(t *testing.T) {
	is := is.New(t)
	log, _ := test.NewNullLogger()
	s := sim.New("\r")
	c := Wrap(s, log)
	// no args: the text must not be formatted twice
	text := "DISP:TEXT '100%'"
	is.NoErr(c.Command(text))
	is.Equal(s.Log(), []string{"DISP:TEXT '100%'"})
}

func TestWrapQueryBlock(t *testing.T) {
	is := is.New(t)
	log, hook := test.NewNullLogger()
	s := sim.New("\n")
	s.Reply(":READ?", "#14\x00\n\r\x00")
	ctl, err := maglab.NewDirect(s, maglab.WithReadTerminator(maglab.TermLF))
	is.NoErr(err)
	c := Wrap(ctl, log)

	b, err := c.QueryBlock(":READ?")
	is.NoErr(err)
	is.Equal(string(b), "#14\x00\n\r\x00")
	is.True(strings.Contains(hook.LastEntry().Message, "[7]"))
}

func TestWrapError(t *testing.T) {
	is := is.New(t)
	log, hook := test.NewNullLogger()
	s := sim.New("\r")
	bus := errors.New("bus error")
	s.FailOn("R1", bus)
	s.FailOn("C3", bus)
	c := Wrap(s, log)

	_, err := c.Query("R1")
	is.True(errors.Is(err, bus))
	is.True(errors.Is(c.Command("C3"), bus))
	is.Equal(len(hook.AllEntries()), 2)
	is.Equal(hook.LastEntry().Level, logrus.ErrorLevel)
}

func TestTerminators(t *testing.T) {
	is := is.New(t)
	log, _ := test.NewNullLogger()

	c := Wrap(sim.New("\r"), log)
	r, w := c.Terminators()
	is.Equal(r, maglab.TermCR)
	is.Equal(w, maglab.TermCR)

	ctl, err := maglab.NewDirect(sim.New("\r"), maglab.WithReadTerminator(maglab.TermCRLF))
	is.NoErr(err)
	c = Wrap(ctl, log)
	r, _ = c.Terminators()
	is.Equal(r, maglab.TermCRLF)
	c.SetReadTerminator(maglab.TermCR)
	r, _ = ctl.Terminators()
	is.Equal(r, maglab.TermCR)
	is.Equal(c.Unwrap(), maglab.Conn(ctl))
}

func TestDescribe(t *testing.T) {
	is := is.New(t)
	is.True(strings.Contains(Describe("Q", ""), "<no response>"))
	is.True(strings.Contains(Describe("Q", "\xff"), "<no response>"))
	d := Describe("Q", "R+4.2\n")
	is.True(strings.Contains(d, "[5]"))
	is.True(strings.Contains(d, `"R+4.2"`))
	is.True(strings.Contains(Describe("Q", "#0\x01\x02"), "23 30 01 02"))
	long := strings.Repeat("\x01", 40)
	is.True(!strings.Contains(Describe("Q", long), `"`))
	is.True(printable("A\r\n"))
	is.True(!printable("A\x00"))
	is.True(!printable("é"))
}
