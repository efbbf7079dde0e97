package oxford

import (
	"errors"
	"testing"

	"github.com/matryer/is"

	"github.com/gotmc/maglab"
)

func TestNewILM(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	is.True(inOrder(f.Log(), "V", "C1", "Q0", "X", "R1", "R2", "R3", "R10"))
	for ch, want := range map[int]float64{1: 50, 2: 80, 3: 90} {
		got, ok := m.Level(ch)
		is.True(ok)
		is.Equal(got, want)
	}
	_, ok := m.Level(4)
	is.True(!ok)
}

func TestNewILMSkipsUnusedAndFaulty(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("290")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	is.True(f.Sent("R1"))
	is.True(!f.Sent("R2"))
	is.True(!f.Sent("R3"))
	_, ok := m.Level(2)
	is.True(!ok)

	_, err = m.ChannelLevel(2)
	var ce *ChannelError
	is.True(errors.As(err, &ce))
	is.Equal(ce.Reason, ChannelFault)
	is.True(errors.Is(err, maglab.ErrNotResponding))

	_, err = m.ChannelLevel(3)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	is.True(errors.As(err, &ce))
	is.Equal(ce.Reason, ChannelNotUsed)
}

func TestILMLowHelium(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	f.level("1", "0150")
	m, err := NewILM(f, opts()...) // low level while priming is only logged
	is.NoErr(err)

	v, err := m.ChannelLevel(1)
	is.Equal(v, 15.0)
	var low *LowLevelError
	is.True(errors.As(err, &low))
	is.True(low.Helium)
	is.Equal(low.Threshold, LowHelium)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	cached, _ := m.Level(1)
	is.Equal(cached, 15.0) // cached despite the advisory
}

func TestILMIgnoreLowHelium(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("310")
	f.level("1", "0150")
	f.level("2", "0050")
	m, err := NewILM(f, opts(WithIgnoreLowHelium())...)
	is.NoErr(err)

	v, err := m.ChannelLevel(1)
	is.NoErr(err)
	is.Equal(v, 15.0)

	// channel 2 meters nitrogen: its own usage digit picks the threshold
	v, err = m.ChannelLevel(2)
	is.Equal(v, 5.0)
	var low *LowLevelError
	is.True(errors.As(err, &low))
	is.Equal(low.Channel, 2)
	is.True(!low.Helium)
	is.Equal(low.Threshold, LowNitrogen)
}

func TestILMChannelRange(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	f.ClearLog()
	_, err = m.ChannelLevel(0)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	is.True(errors.Is(m.DisplayLevel(4), maglab.ErrConfiguration))
	is.Equal(len(f.Log()), 0)
}

func TestILMNeedleValve(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)

	is.NoErr(m.SetNeedleValve(12.5))
	is.True(inOrder(f.Log(), "G125", "R10"))
	is.Equal(m.LastNeedleValve(), 12.5)

	f.ClearLog()
	is.True(errors.Is(m.SetNeedleValve(100.1), maglab.ErrConfiguration))
	is.Equal(len(f.Log()), 0)

	f.Reply("R10", "R500")
	err = m.SetNeedleValve(20)
	is.True(errors.Is(err, maglab.ErrNotResponding))
	is.Equal(m.LastNeedleValve(), 50.0)
}

func TestILMHeliumRate(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("213")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)

	is.NoErr(m.SetHeliumSlow(1))
	st, err := m.Status()
	is.NoErr(err)
	is.True(st.Bit(1, 2))

	f.ClearLog()
	is.NoErr(m.SetHeliumFast(3))
	is.True(inOrder(f.Log(), "T3", "X", "X", "R3"))
	st, err = m.Status()
	is.NoErr(err)
	is.True(st.Bit(3, 1))
	is.True(!st.Bit(3, 2))
}

func TestILMHeliumRateNotHelium(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("213")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	f.ClearLog()

	err = m.SetHeliumSlow(2)
	var ce *ChannelError
	is.True(errors.As(err, &ce))
	is.Equal(ce.Reason, ChannelNotHelium)
	is.True(errors.Is(err, maglab.ErrConfiguration))
	is.True(!sentAny(f.Log(), "S", "T"))
}

func TestILMDisplay(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	is.NoErr(m.DisplayLevel(2))
	is.NoErr(m.DisplayNeedleValve())
	is.True(inOrder(f.Log(), "F2", "F10"))
}

func TestILMClose(t *testing.T) {
	is := is.New(t)
	f := newFakeILM("231")
	f.level("10", "300")
	m, err := NewILM(f, opts()...)
	is.NoErr(err)
	is.Equal(m.LastNeedleValve(), 30.0)
	f.ClearLog()

	is.NoErr(m.Close())
	is.Equal(f.Log(), []string{"G0", "R10", "C2"})
}
