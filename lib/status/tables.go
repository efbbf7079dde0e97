package status

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gotmc/maglab"
)

// entry is one status digit (or digit group) and its phrase.
type entry struct {
	code, text string
}

// fragment is an ordered phrase list for one status field.
type fragment []entry

func (f fragment) has(code string) bool {
	for _, e := range f {
		if e.code == code {
			return true
		}
	}
	return false
}

// table maps a field key to its phrase. Keys are the field letter followed
// by the colon-separated digit groups, e.g. "X:0:1" or "S:05".
type table map[string]string

func (t table) add(key, text string) error {
	if _, dup := t[key]; dup {
		return fmt.Errorf("duplicate message key %q", key)
	}
	t[key] = text
	return nil
}

// product adds every combination of the fragments under letter. Phrases
// are joined with sep and followed by suffix.
func (t table) product(letter, sep, suffix string, frags ...fragment) error {
	var walk func(i int, codes, texts []string) error
	walk = func(i int, codes, texts []string) error {
		if i == len(frags) {
			key := letter + ":" + strings.Join(codes, ":")
			return t.add(key, strings.Join(texts, sep)+suffix)
		}
		for _, e := range frags[i] {
			if err := walk(i+1, append(codes, e.code), append(texts, e.text)); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0, nil, nil)
}

// IPS fields.
var (
	ipsMagnet = fragment{
		{"0", "Magnet NORMAL."},
		{"1", "Magnet QUENCHED."},
		{"2", "Power supply OVER HEATED."},
		{"4", "Magnet is WARMING UP."},
		{"8", "Magnet is at FAULT."},
	}
	ipsSupply = fragment{
		{"0", "Power supply NORMAL.\n"},
		{"1", "Power supply ON POSITIVE VOLTAGE LIMIT.\n"},
		{"2", "Power supply ON NEGATIVE VOLTAGE LIMIT.\n"},
		{"4", "Power supply OUTSIDE NEGATIVE CURRENT LIMIT.\n"},
		{"8", "Power supply OUTSIDE POSITIVE CURRENT LIMIT.\n"},
	}
	ipsActivity = fragment{
		{"0", "Power supply output is in HOLD state.\n"},
		{"1", "Power supply output is sweeping TO SET POINT.\n"},
		{"2", "Power supply output is sweeping TO ZERO.\n"},
		{"4", "Power supply output is CLAMPED.\n"},
	}
	ipsControl = fragment{
		{"0", "Power supply in LOCAL AND LOCKED.\n"},
		{"1", "Power supply in REMOTE AND LOCKED.\n"},
		{"2", "Power supply in LOCAL AND UNLOCKED.\n"},
		{"3", "Power supply in REMOTE AND UNLOCKED.\n"},
		{"4", "Power supply in AUTO-RUN-DOWN.\n"},
		{"5", "Power supply in AUTO-RUN-DOWN.\n"},
		{"6", "Power supply in AUTO-RUN-DOWN.\n"},
		{"7", "Power supply in AUTO-RUN-DOWN.\n"},
	}
	ipsHeater = fragment{
		{"0", "Switch heater is OFF with MAGNET AT ZERO field.\n"},
		{"1", "Switch heater is ON.\n"},
		{"2", "Switch heater is OFF with MAGNET AT FIELD.\n"},
		{"5", "Switch heater is at FAULT.\n"},
		{"8", "There is NO SWITCH HEATER fitted.\n"},
	}
	ipsSweepMode = fragment{
		{"0", "Power supply in AMPS FAST sweep mode."},
		{"1", "Power supply in FIELD FAST sweep mode."},
		{"4", "Power supply in AMPS SLOW sweep mode."},
		{"5", "Power supply in FIELD SLOW sweep mode."},
	}
	ipsSweepState = fragment{
		{"0", "Power supply is AT REST.\n"},
		{"1", "Power supply is SWEEPING (current in magnet).\n"},
		{"2", "Power supply is SWEEP LIMITING (current in switch)).\n"},
		{"3", "Power supply is SWEEPING (current in magnet) buth with a SWEEP LIMITING in rate.\n"},
	}
	ipsPolarity = fragment{
		{"0", "Polarities: POS, POS, POS."},
		{"1", "Polarities: POS, POS, NEG."},
		{"2", "Polarities: POS, NEG, POS."},
		{"3", "Polarities: POS, NEG, NEG."},
		{"4", "Polarities: NEG, POS, POS."},
		{"5", "Polarities: NEG, POS, NEG."},
		{"6", "Polarities: NEG, NEG, POS."},
		{"7", "Polarities: NEG, NEG, NEG."},
	}
	ipsContactor = fragment{
		{"1", "Negative contactor closed."},
		{"2", "Positive contactor closed."},
		{"3", "Both contactors open."},
		{"4", "Both contactors closed."},
		{"7", "Output clamped."},
	}
)

func buildIPS() (table, error) {
	t := make(table)
	steps := []func() error{
		func() error { return t.product("X", " ", "", ipsMagnet, ipsSupply) },
		func() error { return t.product("A", "", "", ipsActivity) },
		func() error { return t.product("C", "", "", ipsControl) },
		func() error { return t.product("H", "", "", ipsHeater) },
		func() error { return t.product("M", " ", "", ipsSweepMode, ipsSweepState) },
		func() error { return t.product("P", " ", "", ipsPolarity, ipsContactor) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ILM fields. Channel bit phrases are indexed by bit number; bits 3 and 4
// form one two-digit group keyed bit3 then bit4.
var (
	ilmBitOff = entry{"0", ""}

	ilmChannelBits = map[int]string{
		0: "CURRENT FLOWING in helium probe.",
		1: "Helium probe in FAST rate.",
		2: "Helium probe in SLOW rate.",
		5: "LOW STATE is active.",
		6: "ALARM requested.",
		7: "PRE-PULSE CURRENT is flowing.",
	}
	ilmFilling = fragment{
		{"00", "END FILLING."},
		{"01", "NOT FILLING."},
		{"10", "FILLING."},
		{"11", "START FILLING."},
	}
	ilmRelayBits = [8]string{
		"In SHUT DOWN state.",
		"Alarm is SOUNDING.",
		"In ALARM state.",
		"Alarm SILENCING is prohibited.",
		"RELAY 1 is active.",
		"RELAY 2 is active.",
		"RELAY 3 is active.",
		"RELAY 4 is active.",
	}
)

func ilmUsage(ch int) fragment {
	return fragment{
		{"0", fmt.Sprintf("Channel %d not in use.", ch)},
		{"1", fmt.Sprintf("Channel %d used for nitrogen level metering.", ch)},
		{"2", fmt.Sprintf("Channel %d used for pulsed helium level metering.", ch)},
		{"3", fmt.Sprintf("Channel %d used for continuous helium level metering.", ch)},
		{"9", fmt.Sprintf("Error on channel %d.", ch)},
	}
}

func bit(text string) fragment { return fragment{ilmBitOff, {"1", text}} }

func buildILM() (table, error) {
	t := make(table)
	if err := t.product("X", " ", "\n", ilmUsage(1), ilmUsage(2), ilmUsage(3)); err != nil {
		return nil, err
	}
	for ch := 1; ch <= 3; ch++ {
		name := fragment{{fmt.Sprint(ch), fmt.Sprintf("Channel %d", ch)}}
		err := t.product("S", " ", "\n", name,
			bit(ilmChannelBits[0]), bit(ilmChannelBits[1]), bit(ilmChannelBits[2]),
			ilmFilling,
			bit(ilmChannelBits[5]), bit(ilmChannelBits[6]), bit(ilmChannelBits[7]))
		if err != nil {
			return nil, err
		}
	}
	relay := make([]fragment, 0, len(ilmRelayBits))
	for _, text := range ilmRelayBits {
		relay = append(relay, bit(text))
	}
	if err := t.product("R", " ", "", relay...); err != nil {
		return nil, err
	}
	return t, nil
}

// ITC fields.
var (
	itcStatus = fragment{
		{"0", "Temperature controller NORMAL operative mode.\n"},
	}
	itcAuto = fragment{
		{"0", "Heater in MANUAL mode. Gas flow in MANUAL mode.\n"},
		{"1", "Heater in AUTO mode. Gas flow in MANUAL mode.\n"},
		{"2", "Heater in MANUAL mode. Gas flow in AUTO mode.\n"},
		{"3", "Heater in AUTO mode. Gas flow in AUTO mode.\n"},
	}
	itcControl = fragment{
		{"0", "Temperature controller in LOCAL and LOCKED state.\n"},
		{"1", "Temperature controller in REMOTE and LOCKED state.\n"},
		{"2", "Temperature controller in LOCAL and UNLOCKED state.\n"},
		{"3", "Temperature controller in REMOTE and UNLOCKED state.\n"},
	}
	itcSensor = fragment{
		{"1", "Temperature is controlled by CHANNEL 1 sensor.\n"},
		{"2", "Temperature is controlled by CHANNEL 2 sensor.\n"},
		{"3", "Temperature is controlled by CHANNEL 3 sensor.\n"},
	}
	itcAutoPID = fragment{
		{"0", "Auto (learned) PIDs are DISABLED."},
		{"1", "Auto (learned) PIDs are ENABLED."},
	}
	itcSweep = sweepSteps()
)

// MaxSweepStep is the highest sweep step an ITC status reports.
const MaxSweepStep = 31

func sweepSteps() fragment {
	f := fragment{{"00", "Sweep mode is not active.\n"}}
	for nn := 1; nn <= MaxSweepStep; nn++ {
		code := fmt.Sprintf("%02d", nn)
		if nn%2 == 1 {
			f = append(f, entry{code, fmt.Sprintf("Sweeping to step number %d set temperature.\n", (nn+1)/2)})
		} else {
			f = append(f, entry{code, fmt.Sprintf("Holding the step number %d set temperature.\n", nn/2)})
		}
	}
	return f
}

func buildITC() (table, error) {
	t := make(table)
	for _, f := range []struct {
		letter string
		frag   fragment
	}{
		{"X", itcStatus},
		{"A", itcAuto},
		{"C", itcControl},
		{"S", itcSweep},
		{"H", itcSensor},
		{"L", itcAutoPID},
	} {
		if err := t.product(f.letter, "", "", f.frag); err != nil {
			return nil, err
		}
	}
	return t, nil
}

var (
	ipsTable = sync.OnceValues(buildIPS)
	ilmTable = sync.OnceValues(buildILM)
	itcTable = sync.OnceValues(buildITC)
)

func tableFor(m maglab.Model) (table, error) {
	switch m {
	case maglab.ModelIPS:
		return ipsTable()
	case maglab.ModelILM:
		return ilmTable()
	case maglab.ModelITC:
		return itcTable()
	}
	return nil, &maglab.TableError{Model: m, Key: "*"}
}

// Phrase returns the phrase stored under key in the table of model m.
func Phrase(m maglab.Model, key string) (string, bool) {
	t, err := tableFor(m)
	if err != nil {
		return "", false
	}
	s, ok := t[key]
	return s, ok
}

// Len returns the number of entries in the table of model m.
func Len(m maglab.Model) int {
	t, err := tableFor(m)
	if err != nil {
		return 0
	}
	return len(t)
}

func lookup(m maglab.Model, key string) (string, error) {
	t, err := tableFor(m)
	if err != nil {
		return "", err
	}
	s, ok := t[key]
	if !ok {
		return "", &maglab.TableError{Model: m, Key: key}
	}
	return s, nil
}
