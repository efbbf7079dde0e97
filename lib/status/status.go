// Package status parses and decodes the fixed-width status strings returned
// by the Oxford MagLab2000 instruments to the X command.
//
// Every field is validated against its message table before decoding, so a
// reply that parses always decodes; a decode miss means a table bug and is
// reported as maglab.ErrInternal.
package status

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/maglab"
)

// Status string lengths, echo character included.
const (
	LenIPS = 15
	LenILM = 14
	LenITC = 13
)

func malformed(s string) error {
	return &maglab.NotRespondingError{Command: "X", Reply: s}
}

// expect checks the fixed letter at position i.
func expect(s string, i int, c byte) bool { return s[i] == c }

// IPS is a parsed IPS status, layout XmnAnCnHnMmnPmn.
type IPS struct {
	Raw        string
	Magnet     byte
	Supply     byte
	Activity   byte
	Control    byte
	Heater     byte
	SweepMode  byte
	SweepState byte
	Polarity   byte
	Contactor  byte
}

// ParseIPS validates and splits an IPS status string.
func ParseIPS(s string) (IPS, error) {
	if len(s) != LenIPS {
		return IPS{}, malformed(s)
	}
	for i, c := range map[int]byte{0: 'X', 3: 'A', 5: 'C', 7: 'H', 9: 'M', 12: 'P'} {
		if !expect(s, i, c) {
			return IPS{}, malformed(s)
		}
	}
	st := IPS{
		Raw:        s,
		Magnet:     s[1],
		Supply:     s[2],
		Activity:   s[4],
		Control:    s[6],
		Heater:     s[8],
		SweepMode:  s[10],
		SweepState: s[11],
		Polarity:   s[13],
		Contactor:  s[14],
	}
	checks := []struct {
		f fragment
		c byte
	}{
		{ipsMagnet, st.Magnet}, {ipsSupply, st.Supply}, {ipsActivity, st.Activity},
		{ipsControl, st.Control}, {ipsHeater, st.Heater}, {ipsSweepMode, st.SweepMode},
		{ipsSweepState, st.SweepState}, {ipsPolarity, st.Polarity}, {ipsContactor, st.Contactor},
	}
	for _, chk := range checks {
		if !chk.f.has(string(chk.c)) {
			return IPS{}, malformed(s)
		}
	}
	return st, nil
}

// Sweeping reports whether the output is still moving.
func (st IPS) Sweeping() bool { return st.SweepState != '0' }

// HeaterOn reports whether the switch heater is on.
func (st IPS) HeaterOn() bool { return st.Heater == '1' }

// Decode returns the phrases of every field, in field order.
func (st IPS) Decode() (string, error) {
	keys := []string{
		key('X', st.Magnet, st.Supply),
		key('A', st.Activity),
		key('C', st.Control),
		key('H', st.Heater),
		key('M', st.SweepMode, st.SweepState),
		key('P', st.Polarity, st.Contactor),
	}
	return join(maglab.ModelIPS, keys)
}

// ILM is a parsed ILM status, layout XabcSuuvvwwRzz. Channel holds the
// status byte of each channel and Relay the relay byte.
type ILM struct {
	Raw     string
	Usage   [3]byte
	Channel [3]uint8
	Relay   uint8
}

// ParseILM validates and splits an ILM status string. Hex bytes may be
// either case.
func ParseILM(s string) (ILM, error) {
	if len(s) != LenILM || !expect(s, 0, 'X') || !expect(s, 4, 'S') || !expect(s, 11, 'R') {
		return ILM{}, malformed(s)
	}
	st := ILM{Raw: s}
	for i := 0; i < 3; i++ {
		st.Usage[i] = s[1+i]
		if !ilmUsage(i + 1).has(string(st.Usage[i])) {
			return ILM{}, malformed(s)
		}
		b, err := strconv.ParseUint(s[5+2*i:7+2*i], 16, 8)
		if err != nil {
			return ILM{}, malformed(s)
		}
		st.Channel[i] = uint8(b)
	}
	r, err := strconv.ParseUint(s[12:14], 16, 8)
	if err != nil {
		return ILM{}, malformed(s)
	}
	st.Relay = uint8(r)
	return st, nil
}

// Bit reports bit n of the status byte of channel ch (1..3).
func (st ILM) Bit(ch, n int) bool {
	if ch < 1 || ch > 3 || n < 0 || n > 7 {
		return false
	}
	return st.Channel[ch-1]&(1<<uint(n)) != 0
}

// Usage digits.
const (
	UsageNone       = '0'
	UsageNitrogen   = '1'
	UsagePulsedHe   = '2'
	UsageContinuous = '3'
	UsageError      = '9'
)

// Helium reports whether channel ch meters helium.
func (st ILM) Helium(ch int) bool {
	if ch < 1 || ch > 3 {
		return false
	}
	u := st.Usage[ch-1]
	return u == UsagePulsedHe || u == UsageContinuous
}

// Decode returns the usage phrase, one phrase per channel byte, and the
// relay phrase.
func (st ILM) Decode() (string, error) {
	keys := []string{key('X', st.Usage[0], st.Usage[1], st.Usage[2])}
	for ch := 1; ch <= 3; ch++ {
		b := st.Channel[ch-1]
		d := func(n int) string { return bitDigit(b, n) }
		keys = append(keys, strings.Join([]string{
			"S", strconv.Itoa(ch), d(0), d(1), d(2), d(3) + d(4), d(5), d(6), d(7),
		}, ":"))
	}
	r := []string{"R"}
	for n := 0; n < 8; n++ {
		r = append(r, bitDigit(st.Relay, n))
	}
	keys = append(keys, strings.Join(r, ":"))
	return join(maglab.ModelILM, keys)
}

func bitDigit(b uint8, n int) string {
	if b&(1<<uint(n)) != 0 {
		return "1"
	}
	return "0"
}

// ITC is a parsed ITC status, layout XnAnCnSnnHnLn.
type ITC struct {
	Raw       string
	Status    byte
	Auto      byte
	Control   byte
	SweepStep int
	Sensor    byte
	AutoPID   byte
}

// ParseITC validates and splits an ITC status string.
func ParseITC(s string) (ITC, error) {
	if len(s) != LenITC {
		return ITC{}, malformed(s)
	}
	for i, c := range map[int]byte{0: 'X', 2: 'A', 4: 'C', 6: 'S', 9: 'H', 11: 'L'} {
		if !expect(s, i, c) {
			return ITC{}, malformed(s)
		}
	}
	if !itcSweep.has(s[7:9]) {
		return ITC{}, malformed(s)
	}
	step, _ := strconv.Atoi(s[7:9])
	st := ITC{
		Raw:       s,
		Status:    s[1],
		Auto:      s[3],
		Control:   s[5],
		SweepStep: step,
		Sensor:    s[10],
		AutoPID:   s[12],
	}
	if !itcStatus.has(string(st.Status)) || !itcAuto.has(string(st.Auto)) ||
		!itcControl.has(string(st.Control)) || !itcSensor.has(string(st.Sensor)) ||
		!itcAutoPID.has(string(st.AutoPID)) {
		return ITC{}, malformed(s)
	}
	return st, nil
}

// HeaterAuto reports automatic heater control.
func (st ITC) HeaterAuto() bool { return st.Auto == '1' || st.Auto == '3' }

// GasAuto reports automatic gas flow control.
func (st ITC) GasAuto() bool { return st.Auto == '2' || st.Auto == '3' }

// Decode returns the phrases of every field, in field order.
func (st ITC) Decode() (string, error) {
	keys := []string{
		key('X', st.Status),
		key('A', st.Auto),
		key('C', st.Control),
		"S:" + fmt.Sprintf("%02d", st.SweepStep),
		key('H', st.Sensor),
		key('L', st.AutoPID),
	}
	return join(maglab.ModelITC, keys)
}

// DecodeIPS parses and decodes an IPS status string.
func DecodeIPS(s string) (string, error) {
	st, err := ParseIPS(s)
	if err != nil {
		return "", err
	}
	return st.Decode()
}

// DecodeILM parses and decodes an ILM status string.
func DecodeILM(s string) (string, error) {
	st, err := ParseILM(s)
	if err != nil {
		return "", err
	}
	return st.Decode()
}

// DecodeITC parses and decodes an ITC status string.
func DecodeITC(s string) (string, error) {
	st, err := ParseITC(s)
	if err != nil {
		return "", err
	}
	return st.Decode()
}

// Decode dispatches on the model.
func Decode(m maglab.Model, s string) (string, error) {
	switch m {
	case maglab.ModelIPS:
		return DecodeIPS(s)
	case maglab.ModelILM:
		return DecodeILM(s)
	case maglab.ModelITC:
		return DecodeITC(s)
	}
	return "", &maglab.EnumError{Option: "status model", Value: m.String(), Allowed: []string{"IPS", "ILM", "ITC"}}
}

func key(letter byte, digits ...byte) string {
	parts := []string{string(letter)}
	for _, d := range digits {
		parts = append(parts, string(d))
	}
	return strings.Join(parts, ":")
}

func join(m maglab.Model, keys []string) (string, error) {
	var b strings.Builder
	for _, k := range keys {
		s, err := lookup(m, k)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}
