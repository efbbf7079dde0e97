package oxford

import (
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/sim"
)

// terminated reports fixed terminators, as a maglab.Controller would.
type terminated struct {
	*fakeIPS
	read, write maglab.Terminator
	chosen      maglab.Terminator
}

func (t *terminated) Terminators() (read, write maglab.Terminator) { return t.read, t.write }

func (t *terminated) SetReadTerminator(term maglab.Terminator) { t.chosen = term }

func TestTerminators(t *testing.T) {
	is := is.New(t)

	conn := &terminated{fakeIPS: newFakeIPS(""), read: maglab.TermLF, write: maglab.TermCR}
	_, err := NewIPS(conn, opts()...)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	is.Equal(len(conn.Log()), 0)

	conn = &terminated{fakeIPS: newFakeIPS(""), read: maglab.TermCR, write: maglab.TermCR}
	_, err = NewIPS(conn, opts(WithLineFeed())...)
	is.NoErr(err)
	is.Equal(conn.chosen, maglab.TermCRLF) // follows the line feed protocol
}

func TestStatusStringMalformed(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	good := p.LastStatus()

	f.Reply("X", "X00A0C1H0M10")
	_, err = p.StatusString()
	is.True(errors.Is(err, maglab.ErrNotResponding))
	is.Equal(p.LastStatus(), good) // cache untouched
}

func TestSystemCommands(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	f.HandlePrefix("U", func(string) string { return "U" })
	f.HandlePrefix("W", func(string) string { return "W" })
	f.HandlePrefix("!", func(string) string { return "!" })
	f.Reply("Y8", "Y")
	f.Reply("Z8", "Z0123")
	f.Reply("~", "~")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)

	is.True(errors.Is(p.SetSystemCommandsLock(10000), maglab.ErrConfiguration))
	is.NoErr(p.SetSystemCommandsLock(9999))
	is.NoErr(p.SetWaitTime(10))
	is.True(errors.Is(p.SetWaitTime(-1), maglab.ErrConfiguration))
	is.NoErr(p.LoadRAM())
	ram, err := p.DumpRAM()
	is.NoErr(err)
	is.Equal(ram, "Z0123")
	is.NoErr(p.StoreCalibration())
	is.True(inOrder(f.Log(), "U9999", "W10", "Y8", "Z8", "~"))

	is.True(errors.Is(p.SetISOBUSAddress(0), maglab.ErrConfiguration))
	is.NoErr(p.SetISOBUSAddress(3))
	is.Equal(p.Radix(), "@3")
}

func TestControlModeCodes(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.ClearLog()
	for _, c := range []struct {
		remote, locked bool
		want           string
	}{
		{false, true, "C0"},
		{true, true, "C1"},
		{false, false, "C2"},
		{true, false, "C3"},
	} {
		is.NoErr(p.SetControlMode(c.remote, c.locked))
	}
	is.Equal(f.Log(), []string{"C0", "C1", "C2", "C3"})
}

func TestQueryTransportError(t *testing.T) {
	is := is.New(t)
	s := sim.New("\r")
	s.FailOn("V", errors.New("bus error"))
	_, err := NewITC(s, opts()...)
	is.True(err != nil)
	is.True(!errors.Is(err, maglab.ErrWrongInstrument))
}
