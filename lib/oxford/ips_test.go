package oxford

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/gotmc/maglab"
)

func TestNewIPS(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	f.set("7", "+1.20000")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.Equal(p.Model(), maglab.ModelIPS)
	is.True(inOrder(f.Log(), "V", "C1", "Q4", "R0", "R24", "A0", "X"))
	b, ok := p.Last(OutputField)
	is.True(ok)
	is.Equal(b, 1.2)
	is.Equal(p.LastStatus(), "X00A0C1H0M10P03")
	is.True(p.LastMessage() != "")
}

func TestNewIPSProtocol(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	_, err := NewIPS(f, opts(WithExtendedResolution(false), WithLineFeed())...)
	is.NoErr(err)
	is.True(f.Sent("Q2"))
}

func TestNewIPSWrongInstrument(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	f.Reply("V", "ILM200 Version 1.08 (c) OXFORD 1994")
	_, err := NewIPS(f, opts()...)
	is.True(errors.Is(err, maglab.ErrWrongInstrument))
	is.Equal(f.Log(), []string{"V"}) // nothing after the identity check
}

func TestIPSTargetCurrentRange(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.ClearLog()

	err = p.SetTargetCurrent(98.47)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	var re *maglab.RangeError
	is.True(errors.As(err, &re))
	is.Equal(len(f.Log()), 0) // rejected before any write

	is.NoErr(p.SetTargetCurrent(98.46))
	is.Equal(f.Log(), []string{"I+98.4600", "R5"})
	i, _ := p.Last(CurrentSetPoint)
	is.Equal(i, 98.46)

	is.NoErr(p.SetTargetCurrent(-12.5))
	is.True(f.Sent("I-12.5000"))
}

func TestIPSVerifyMismatch(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.Reply("R8", "R+0.25000") // the supply ignores the new set point

	err = p.SetTargetField(1.5)
	is.True(errors.Is(err, maglab.ErrNotResponding))
	b, _ := p.Last(FieldSetPoint)
	is.Equal(b, 0.25) // cache holds what was read, not what was asked
}

func TestIPSVerifyTolerance(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts(WithTolerance(0.001))...)
	is.NoErr(err)
	f.Reply("R8", "R+1.50040")
	is.NoErr(p.SetTargetField(1.5))
}

func TestIPSIdempotent(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.NoErr(p.SetFieldSweepRate(0.25))
	once, _ := p.Last(FieldSweepRate)
	is.NoErr(p.SetFieldSweepRate(0.25))
	twice, _ := p.Last(FieldSweepRate)
	is.Equal(once, twice)
	is.Equal(twice, 0.25)
}

func TestIPSSweepRates(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.True(errors.Is(p.SetCurrentSweepRate(16.89), maglab.ErrConfiguration))
	is.True(errors.Is(p.SetFieldSweepRate(-1.21), maglab.ErrConfiguration))
	is.NoErr(p.SetCurrentSweepRate(16.88))
	is.True(f.Sent("S+16.8800"))
}

func TestIPSRejected(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.Reply("R9", "?R9")
	_, err = p.Read(FieldSweepRate)
	is.True(errors.Is(err, maglab.ErrNotResponding))
}

func TestIPSSetMode(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.NoErr(p.SetMode(false, SweepSlow))
	is.True(f.Sent("M4"))
	is.NoErr(p.SetMode(true, SweepUnchanged))
	is.True(f.Sent("M9"))
	st, err := p.Status()
	is.NoErr(err)
	is.Equal(st.SweepMode, byte('5'))

	// M8 keeps the speed and clears the display bit
	is.NoErr(p.SetMode(false, SweepUnchanged))
	st, err = p.Status()
	is.NoErr(err)
	is.Equal(st.SweepMode, byte('4'))
}

func TestIPSActivityAndHeater(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.NoErr(p.SetActivity(Clamp))
	is.True(errors.Is(p.SetActivity(Activity(3)), maglab.ErrConfiguration))
	is.NoErr(p.SetSwitchHeater(true))
	f.Reply("X", "X00A0C1H5M10P03") // heater fault
	is.True(errors.Is(p.SetSwitchHeater(true), maglab.ErrNotResponding))
	is.NoErr(p.SetPolarity(PolaritySwap))
	is.True(f.Sent("P4"))
}

func TestIPSPersistentField(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.set("18", "+0.50000") // persistent field differs from the set point
	f.ClearLog()

	is.NoErr(p.SetPersistentField(context.Background(), 1.5))
	is.True(inOrder(f.Log(),
		"X", "R8", "R18", "J+0.50000", "A1", "H1", "J+1.50000", "H0", "A2"))
	b, _ := p.Last(FieldSetPoint)
	is.Equal(b, 1.5)
	st, err := p.Status()
	is.NoErr(err)
	is.True(!st.HeaterOn())
	is.Equal(st.Activity, byte('2'))
}

func TestIPSNonPersistentCurrentHeaterOpen(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.NoErr(p.SetSwitchHeater(true))
	f.ClearLog()

	is.NoErr(p.SetNonPersistentCurrent(context.Background(), 10))
	is.True(!sentAny(f.Log(), "H", "A", "R16")) // straight to the target
	is.True(f.Sent("I+10.0000"))
}

func TestIPSSweepRangeBeforeIO(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.ClearLog()
	err = p.SetNonPersistentField(context.Background(), 7.5)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	is.Equal(len(f.Log()), 0)
}

func TestIPSSweepTimeout(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts(WithPollTimeout(20*time.Millisecond))...)
	is.NoErr(err)
	is.NoErr(p.SetSwitchHeater(true))
	f.stuck = true

	err = p.SetNonPersistentField(context.Background(), 1)
	is.True(errors.Is(err, maglab.ErrNotResponding))
	var te *maglab.TimeoutError
	is.True(errors.As(err, &te))
}

func TestIPSSweepCancel(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	is.NoErr(p.SetSwitchHeater(true))
	f.stuck = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = p.SetPersistentCurrent(ctx, 1)
	is.True(errors.Is(err, context.DeadlineExceeded))
	is.True(!f.Sent("H0")) // the switch stays as it was
}

func TestIPSClose(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("")
	p, err := NewIPS(f, opts()...)
	is.NoErr(err)
	f.ClearLog()
	f.FailOn("H0", errors.New("bus error"))

	err = p.Close()
	is.True(err != nil)
	is.True(inOrder(f.Log(), "H0", "A4", "C2")) // every step ran
}

func TestIPSISOBUS(t *testing.T) {
	is := is.New(t)
	f := newFakeIPS("@2")
	p, err := NewIPS(f, opts(WithISOBUSAddress(2))...)
	is.NoErr(err)
	is.Equal(p.Radix(), "@2")
	is.True(inOrder(f.Log(), "@2V", "@2C1", "@2Q4", "@2X"))

	_, err = NewIPS(newFakeIPS("@9"), opts(WithISOBUSAddress(9))...)
	is.True(errors.Is(err, maglab.ErrConfiguration))

	m := newFakeIPS("@0")
	_, err = NewIPS(m, opts(WithISOBUSMaster())...)
	is.NoErr(err)
	is.True(m.Sent("@0V"))
}
