package status

import (
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/gotmc/maglab"
)

func TestTableSizes(t *testing.T) {
	is := is.New(t)
	// X 5x5, A 4, C 8, H 5, M 4x4, P 8x5
	is.Equal(Len(maglab.ModelIPS), 25+4+8+5+16+40)
	// X 5^3, S 3 channels x 2^6 x 4, R 2^8
	is.Equal(Len(maglab.ModelILM), 125+3*64*4+256)
	// X 1, A 4, C 4, S 32, H 3, L 2
	is.Equal(Len(maglab.ModelITC), 1+4+4+32+3+2)
	is.Equal(Len(maglab.ModelKeithley2400), 0)
}

func TestBuildersDeterministic(t *testing.T) {
	is := is.New(t)
	for _, build := range []func() (table, error){buildIPS, buildILM, buildITC} {
		a, err := build()
		is.NoErr(err)
		b, err := build()
		is.NoErr(err)
		is.Equal(a, b)
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	is := is.New(t)
	tbl := make(table)
	is.NoErr(tbl.add("A:0", "one"))
	is.True(tbl.add("A:0", "two") != nil)

	dup := fragment{{"1", "x"}, {"1", "y"}}
	is.True(make(table).product("Z", "", "", dup) != nil)
}

func TestPhrase(t *testing.T) {
	is := is.New(t)
	s, ok := Phrase(maglab.ModelIPS, "X:1:2")
	is.True(ok)
	is.Equal(s, "Magnet QUENCHED. Power supply ON NEGATIVE VOLTAGE LIMIT.\n")

	s, ok = Phrase(maglab.ModelILM, "S:2:1:0:0:10:0:0:0")
	is.True(ok)
	is.Equal(s, "Channel 2 CURRENT FLOWING in helium probe.   FILLING.   \n")

	_, ok = Phrase(maglab.ModelITC, "S:32")
	is.True(!ok)
}

func TestDecodeIPS(t *testing.T) {
	is := is.New(t)
	got, err := DecodeIPS("X00A1C3H1M10P03")
	is.NoErr(err)
	want := "Magnet NORMAL. Power supply NORMAL.\n" +
		"Power supply output is sweeping TO SET POINT.\n" +
		"Power supply in REMOTE AND UNLOCKED.\n" +
		"Switch heater is ON.\n" +
		"Power supply in FIELD FAST sweep mode. Power supply is AT REST.\n" +
		"Polarities: POS, POS, POS. Both contactors open."
	is.Equal(got, want)

	st, err := ParseIPS("X00A1C3H1M12P03")
	is.NoErr(err)
	is.True(st.HeaterOn())
	is.True(st.Sweeping())
	is.Equal(st.Activity, byte('1'))
}

func TestDecodeILM(t *testing.T) {
	is := is.New(t)
	// channel 1 nitrogen, channel 2 helium slow and filling, relay 1 active
	got, err := DecodeILM("X120S000C00R10")
	is.NoErr(err)
	is.True(strings.HasPrefix(got, "Channel 1 used for nitrogen level metering. "+
		"Channel 2 used for pulsed helium level metering. Channel 3 not in use.\n"))
	is.True(strings.Contains(got, "Channel 2   Helium probe in SLOW rate. FILLING.   \n"))
	is.True(strings.HasSuffix(got, "    RELAY 1 is active.   "))

	st, err := ParseILM("X120S000C00R10")
	is.NoErr(err)
	is.True(st.Helium(2))
	is.True(!st.Helium(1))
	is.True(st.Bit(2, 2))
	is.True(!st.Bit(2, 1))
	is.Equal(st.Relay, uint8(0x10))

	upper, err := DecodeILM("X333SFFFFFFRFF")
	is.NoErr(err)
	lower, err := DecodeILM("X333SffffffRff")
	is.NoErr(err)
	is.Equal(upper, lower)
}

func TestDecodeITC(t *testing.T) {
	is := is.New(t)
	got, err := DecodeITC("X0A1C1S05H2L0")
	is.NoErr(err)
	want := "Temperature controller NORMAL operative mode.\n" +
		"Heater in AUTO mode. Gas flow in MANUAL mode.\n" +
		"Temperature controller in REMOTE and LOCKED state.\n" +
		"Sweeping to step number 3 set temperature.\n" +
		"Temperature is controlled by CHANNEL 2 sensor.\n" +
		"Auto (learned) PIDs are DISABLED."
	is.Equal(got, want)

	got, err = DecodeITC("X0A3C3S06H1L1")
	is.NoErr(err)
	is.True(strings.Contains(got, "Holding the step number 3 set temperature.\n"))

	got, err = DecodeITC("X0A0C0S00H3L1")
	is.NoErr(err)
	is.True(strings.Contains(got, "Sweep mode is not active.\n"))
}

func TestMalformed(t *testing.T) {
	is := is.New(t)
	for _, tc := range []struct {
		model maglab.Model
		s     string
	}{
		{maglab.ModelIPS, "X00A1C3H1M10P0"},  // short
		{maglab.ModelIPS, "X30A1C3H1M10P03"}, // magnet digit 3
		{maglab.ModelIPS, "Y00A1C3H1M10P03"}, // echo
		{maglab.ModelILM, "X120S0014G0R10"},  // not hex
		{maglab.ModelILM, "X170S001400R100"}, // usage 7, long
		{maglab.ModelITC, "X00A1C1S05H2L0"},  // 14 characters
		{maglab.ModelITC, "X0A1C1S32H2L0"},   // step 32
		{maglab.ModelITC, "X0A1C1S05H0L0"},   // sensor 0
		{maglab.ModelITC, "?"},               // rejected
	} {
		_, err := Decode(tc.model, tc.s)
		is.True(errors.Is(err, maglab.ErrNotResponding)) // malformed status
	}
	_, err := Decode(maglab.ModelKeithley2182, "X")
	is.True(errors.Is(err, maglab.ErrConfiguration))
}

// Every status string built from the fragment alphabets decodes to a
// non-empty message, the same one each time.
func TestAllITCDecode(t *testing.T) {
	is := is.New(t)
	for _, a := range itcAuto {
		for _, c := range itcControl {
			for _, s := range itcSweep {
				for _, h := range itcSensor {
					for _, l := range itcAutoPID {
						raw := "X0A" + a.code + "C" + c.code + "S" + s.code + "H" + h.code + "L" + l.code
						first, err := DecodeITC(raw)
						is.NoErr(err)
						is.True(first != "")
						again, err := DecodeITC(raw)
						is.NoErr(err)
						is.Equal(first, again)
					}
				}
			}
		}
	}
}

func TestAllIPSDecode(t *testing.T) {
	is := is.New(t)
	for _, x := range ipsMagnet {
		for _, a := range ipsActivity {
			for _, h := range ipsHeater {
				for _, m := range ipsSweepMode {
					for _, p := range ipsContactor {
						raw := "X" + x.code + "0A" + a.code + "C1H" + h.code + "M" + m.code + "3P7" + p.code
						got, err := DecodeIPS(raw)
						is.NoErr(err)
						is.True(got != "")
					}
				}
			}
		}
	}
}
