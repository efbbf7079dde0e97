package keithley

import (
	"strconv"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/block"
)

// 2400 limits.
const (
	MaxPoints2400  = 2500 // arm count times trigger count
	MaxCurrent2400 = 1.05 // A
	MaxVoltage2400 = 210  // V
)

var (
	autoClearModes = NewMnemonics("always", "ALW", "on trigger", "TCO")
	spacings       = NewMnemonics("linear", "LIN", "logarithmic", "LOG")
	directions     = NewMnemonics("up", "UP", "down", "DOWN")
	rangeModes     = NewMnemonics("best", "BEST", "auto", "AUTO", "fixed", "FIX")
	abortModes     = NewMnemonics("never", "NEV", "early", "EARL", "late", "LATE")
	levelModes     = NewMnemonics("immediate", "IMM", "triggered", "TRIG")
	filterModes    = NewMnemonics("moving", "MOV", "repeat", "REP")
	sregFormats    = NewMnemonics("ascii", "ASC", "hexadecimal", "HEX", "octal", "OCT", "binary", "BIN")
	dataFormats    = NewMnemonics("ascii", "ASC", "real", "REAL", "real32", "REAL,32", "sreal", "SREAL")
	offModes       = NewMnemonics("hi-z", "HIMP", "normal", "NORM", "zero", "ZERO", "guard", "GUAR")
	terminals      = NewMnemonics("front", "FRON", "rear", "REAR")
	elements2400   = NewMnemonics("voltage", "VOLT", "current", "CURR", "resistance", "RES", "time", "TIME", "status", "STAT")
)

// SourceGeneral holds the options shared by every source configuration.
type SourceGeneral struct {
	AutoClear     bool
	AutoClearMode string // always, on trigger
	AutoSettle    bool
	SettlingDelay float64 // s, used without AutoSettle
}

func (g SourceGeneral) build(b *Buffer) error {
	if g.AutoClear {
		mode, err := autoClearModes.Lookup("auto clear mode", g.AutoClearMode)
		if err != nil {
			return err
		}
		b.Add(":SOUR:CLE:AUTO ON").Addf(":SOUR:CLE:AUTO:MODE %s", mode)
	} else {
		b.Add(":SOUR:CLE:AUTO OFF")
	}
	if g.AutoSettle {
		b.Add(":SOUR:DEL:AUTO ON")
		return nil
	}
	if err := maglab.CheckRange("settling delay", g.SettlingDelay, 0, 9999.999); err != nil {
		return err
	}
	b.Add(":SOUR:DEL:AUTO OFF").Addf(":SOUR:DEL %s", formatNumber(g.SettlingDelay))
	return nil
}

// Level is a fixed source level, applied at once or on the next trigger.
type Level struct {
	AutoRange        bool
	ManualRange      float64
	Value            float64
	Mode             string // immediate, triggered
	TriggeredScaling bool
	ScalingFactor    float64
}

func (l Level) build(b *Buffer, fn string, max float64) error {
	if err := maglab.CheckRange(strings.ToLower(fn)+" source level", l.Value, -max, max); err != nil {
		return err
	}
	mode, err := levelModes.Lookup("level mode", l.Mode)
	if err != nil {
		return err
	}
	if l.AutoRange {
		b.Addf(":SOUR:%s:RANG:AUTO ON", fn)
	} else {
		if err := maglab.CheckRange(strings.ToLower(fn)+" source range", l.ManualRange, -max, max); err != nil {
			return err
		}
		b.Addf(":SOUR:%s:RANG:AUTO OFF", fn).Addf(":SOUR:%s:RANG %s", fn, formatNumber(l.ManualRange))
	}
	if mode == "IMM" {
		b.Addf(":SOUR:%s %s", fn, formatNumber(l.Value))
		return nil
	}
	b.Addf(":SOUR:%s:TRIG %s", fn, formatNumber(l.Value))
	if l.TriggeredScaling {
		b.Addf(":SOUR:%s:TRIG:SFAC:STAT ON", fn).Addf(":SOUR:%s:TRIG:SFAC %s", fn, formatNumber(l.ScalingFactor))
	} else {
		b.Addf(":SOUR:%s:TRIG:SFAC:STAT OFF", fn)
	}
	return nil
}

// Sweep is a staircase sweep of the source between two levels.
type Sweep struct {
	Start, Stop       float64
	Spacing           string // linear, logarithmic
	Points            int
	Direction         string // up, down
	RangeMode         string // best, auto, fixed
	AbortOnCompliance string // never, early, late
}

func (s Sweep) build(b *Buffer, fn string, max float64) error {
	if err := maglab.CheckRange("sweep start", s.Start, -max, max); err != nil {
		return err
	}
	if err := maglab.CheckRange("sweep stop", s.Stop, -max, max); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("sweep points", s.Points, 1, MaxPoints2400); err != nil {
		return err
	}
	spacing, err := spacings.Lookup("sweep spacing", s.Spacing)
	if err != nil {
		return err
	}
	dir, err := directions.Lookup("sweep direction", s.Direction)
	if err != nil {
		return err
	}
	rng, err := rangeModes.Lookup("sweep range mode", s.RangeMode)
	if err != nil {
		return err
	}
	abort, err := abortModes.Lookup("abort on compliance", s.AbortOnCompliance)
	if err != nil {
		return err
	}
	b.Addf(":SOUR:%s:STAR %s", fn, formatNumber(s.Start)).Addf(":SOUR:%s:STOP %s", fn, formatNumber(s.Stop))
	b.Addf(":SOUR:SWE:SPAC %s", spacing).Addf(":SOUR:SWE:POIN %d", s.Points)
	b.Addf(":SOUR:SWE:DIR %s", dir).Addf(":SOUR:SWE:RANG %s", rng).Addf(":SOUR:SWE:CAB %s", abort)
	return nil
}

// CurrentSourceFixed sources a fixed current with a voltage compliance.
type CurrentSourceFixed struct {
	SourceGeneral
	Level
	Compliance float64 // V
}

// DefaultCurrentSourceFixed sources 1 mA with a 20 V compliance.
func DefaultCurrentSourceFixed() CurrentSourceFixed {
	return CurrentSourceFixed{
		SourceGeneral: SourceGeneral{AutoClearMode: "always", AutoSettle: true},
		Level:         Level{AutoRange: true, ManualRange: 1e-2, Value: 1e-3, Mode: "immediate", ScalingFactor: 1},
		Compliance:    20,
	}
}

// VoltageSourceFixed sources a fixed voltage with a current compliance.
type VoltageSourceFixed struct {
	SourceGeneral
	Protection float64 // V, overvoltage protection
	Level
	Compliance float64 // A
}

// DefaultVoltageSourceFixed sources 1 V with a 100 µA compliance.
func DefaultVoltageSourceFixed() VoltageSourceFixed {
	return VoltageSourceFixed{
		SourceGeneral: SourceGeneral{AutoClearMode: "always", AutoSettle: true},
		Protection:    200,
		Level:         Level{AutoRange: true, ManualRange: 20, Value: 1, Mode: "immediate", ScalingFactor: 1},
		Compliance:    1e-4,
	}
}

// CurrentSourceSweep sweeps the current source.
type CurrentSourceSweep struct {
	SourceGeneral
	Sweep
	Compliance float64 // V
}

// DefaultCurrentSourceSweep sweeps -1 A to +1 A linearly in 2500 points.
func DefaultCurrentSourceSweep() CurrentSourceSweep {
	return CurrentSourceSweep{
		SourceGeneral: SourceGeneral{AutoClearMode: "always", AutoSettle: true},
		Sweep:         defaultSweep(),
		Compliance:    20,
	}
}

// VoltageSourceSweep sweeps the voltage source.
type VoltageSourceSweep struct {
	SourceGeneral
	Protection float64 // V
	Sweep
	Compliance float64 // A
}

// DefaultVoltageSourceSweep sweeps -1 V to +1 V linearly in 2500 points.
func DefaultVoltageSourceSweep() VoltageSourceSweep {
	return VoltageSourceSweep{
		SourceGeneral: SourceGeneral{AutoClearMode: "always", AutoSettle: true},
		Protection:    200,
		Sweep:         defaultSweep(),
		Compliance:    1e-4,
	}
}

func defaultSweep() Sweep {
	return Sweep{
		Start: -1, Stop: 1, Spacing: "linear", Points: MaxPoints2400,
		Direction: "up", RangeMode: "best", AbortOnCompliance: "never",
	}
}

// Sense configures one measurement function.
type Sense struct {
	AutoRange   bool
	ManualRange float64
	NPLC        float64 // integration time in power line cycles, 0.01..10
}

// DefaultCurrentSense auto ranges with 10 PLC integration.
func DefaultCurrentSense() Sense { return Sense{AutoRange: true, ManualRange: 1e-4, NPLC: 10} }

// DefaultVoltageSense auto ranges with 10 PLC integration.
func DefaultVoltageSense() Sense { return Sense{AutoRange: true, ManualRange: 21, NPLC: 10} }

func (s Sense) build(b *Buffer, fn string) error {
	if err := maglab.CheckRange("NPLC", s.NPLC, 0.01, 10); err != nil {
		return err
	}
	b.Add(":SENS:FUNC:CONC ON").Add(":SENS:FUNC:ALL")
	if s.AutoRange {
		b.Addf(":SENS:%s:RANG:AUTO ON", fn)
	} else {
		b.Addf(":SENS:%s:RANG:AUTO OFF", fn).Addf(":SENS:%s:RANG %s", fn, formatNumber(s.ManualRange))
	}
	b.Addf(":SENS:%s:NPLC %s", fn, formatNumber(s.NPLC))
	return nil
}

// ResistanceSense configures the ohms function.
type ResistanceSense struct {
	AutoMode           bool
	OffsetCompensation bool
	Sense
}

// DefaultResistanceSense measures in manual ohms mode, auto ranged.
func DefaultResistanceSense() ResistanceSense {
	return ResistanceSense{Sense: Sense{AutoRange: true, ManualRange: 2e5, NPLC: 10}}
}

// Display configures the front panel.
type Display struct {
	Enable      bool
	StateDetail bool // show the source-delay-measure phase instead of digits
	Digits      int  // 4..7
}

// Filter configures the averaging filter.
type Filter struct {
	Active bool
	Mode   string // moving, repeat
	Count  int    // 1..100
}

// Format configures the reading format.
type Format struct {
	StatusRegister string // ascii, hexadecimal, octal, binary
	Data           string // ascii, real, real32, sreal
	NormalOrder    bool   // big-endian binary data; the 2400 defaults to swapped
	Elements       []string
	CalcElements   []string
	Source2        string // status register format of the source 2 lines, empty to leave
}

// DefaultFormat returns ASCII readings of every element.
func DefaultFormat() Format {
	return Format{
		StatusRegister: "ascii",
		Data:           "ascii",
		Elements:       []string{"voltage", "current", "resistance", "time"},
	}
}

// OutputConfiguration sets the interlock and the output-off state.
type OutputConfiguration struct {
	Enable  bool
	OffMode string // hi-z, normal, zero, guard
}

// System configures the beeper, the timestamp and the sense wiring.
type System struct {
	Beep           bool
	TimestampReset bool
	RemoteSense    bool // 4-wire
}

// K2400 is the Keithley 2400 SourceMeter.
type K2400 struct {
	*scpi
	armCount     int
	triggerCount int
	points       int
	output       string
	data         string // :FORM mnemonic
	normalOrder  bool
}

// New2400 identifies the source meter and, unless WithReset(false), resets
// it with the output secured off.
func New2400(conn maglab.Conn, opts ...Option) (*K2400, error) {
	s, err := newSCPI(conn, maglab.ModelKeithley2400, opts)
	if err != nil {
		return nil, err
	}
	k := &K2400{scpi: s, armCount: 1, triggerCount: 1, data: "ASC"}
	if s.opts.reset {
		if err := k.SystemReset(); err != nil {
			return nil, err
		}
	}
	s.log.WithField("identity", s.Identity()).Info("source meter ready")
	return k, nil
}

// SystemReset restores the defaults: self test, *RST, status registers
// enabled and the output off. The output is turned off even if an earlier
// step failed.
func (k *K2400) SystemReset() error {
	err := k.resetSequence(255, 189, true)
	if err != nil {
		return multierr.Append(err, k.OutputOff())
	}
	if err := k.OutputOff(); err != nil {
		return err
	}
	return k.sync()
}

// OutputStatus returns the last :OUTP:STAT? reply.
func (k *K2400) OutputStatus() string { return k.output }

func (k *K2400) setOutput(on bool) error {
	if err := k.conn.Command(":OUTP:STAT %s;", onOff(on)); err != nil {
		return errors.Wrap(err, "output state")
	}
	st, err := query.String(k.conn, ":OUTP:STAT?")
	if err != nil {
		return errors.Wrap(err, "output state query")
	}
	k.output = strings.TrimSpace(st)
	if want := map[bool]string{true: "1", false: "0"}[on]; k.output != want {
		return &maglab.NotRespondingError{Command: ":OUTP:STAT?", Want: want, Got: k.output}
	}
	return k.sync()
}

// OutputOn turns the source on. On failure the output is turned off again.
func (k *K2400) OutputOn() error {
	if err := k.setOutput(true); err != nil {
		return multierr.Append(err, k.OutputOff())
	}
	return nil
}

// OutputOff turns the source off.
func (k *K2400) OutputOff() error { return k.setOutput(false) }

// CurrentSourceFixed configures a fixed current source.
func (k *K2400) CurrentSourceFixed(cfg CurrentSourceFixed) error {
	var b Buffer
	if err := cfg.SourceGeneral.build(&b); err != nil {
		return err
	}
	b.Add(":SOUR:FUNC CURR").Add(":SOUR:CURR:MODE FIX")
	if err := cfg.Level.build(&b, "CURR", MaxCurrent2400); err != nil {
		return err
	}
	if err := maglab.CheckRange("voltage compliance", cfg.Compliance, 0, MaxVoltage2400); err != nil {
		return err
	}
	b.Addf(":SENS:VOLT:PROT %s", formatNumber(cfg.Compliance))
	return k.commit(&b)
}

// VoltageSourceFixed configures a fixed voltage source.
func (k *K2400) VoltageSourceFixed(cfg VoltageSourceFixed) error {
	var b Buffer
	if err := cfg.SourceGeneral.build(&b); err != nil {
		return err
	}
	if err := maglab.CheckRange("voltage protection", cfg.Protection, 0, MaxVoltage2400); err != nil {
		return err
	}
	b.Add(":SOUR:FUNC VOLT").Add(":SOUR:VOLT:MODE FIX").Addf(":SOUR:VOLT:PROT %s", formatNumber(cfg.Protection))
	if err := cfg.Level.build(&b, "VOLT", MaxVoltage2400); err != nil {
		return err
	}
	if err := maglab.CheckRange("current compliance", cfg.Compliance, 0, MaxCurrent2400); err != nil {
		return err
	}
	b.Addf(":SENS:CURR:PROT %s", formatNumber(cfg.Compliance))
	return k.commit(&b)
}

// CurrentSourceSweep configures a current sweep.
func (k *K2400) CurrentSourceSweep(cfg CurrentSourceSweep) error {
	var b Buffer
	if err := cfg.SourceGeneral.build(&b); err != nil {
		return err
	}
	b.Add(":SOUR:FUNC CURR").Add(":SOUR:CURR:MODE SWE")
	if err := cfg.Sweep.build(&b, "CURR", MaxCurrent2400); err != nil {
		return err
	}
	if err := maglab.CheckRange("voltage compliance", cfg.Compliance, 0, MaxVoltage2400); err != nil {
		return err
	}
	b.Addf(":SENS:VOLT:PROT %s", formatNumber(cfg.Compliance))
	if err := k.commit(&b); err != nil {
		return err
	}
	k.points = cfg.Points
	return nil
}

// VoltageSourceSweep configures a voltage sweep.
func (k *K2400) VoltageSourceSweep(cfg VoltageSourceSweep) error {
	var b Buffer
	if err := cfg.SourceGeneral.build(&b); err != nil {
		return err
	}
	if err := maglab.CheckRange("voltage protection", cfg.Protection, 0, MaxVoltage2400); err != nil {
		return err
	}
	b.Add(":SOUR:FUNC VOLT").Add(":SOUR:VOLT:MODE SWE").Addf(":SOUR:VOLT:PROT %s", formatNumber(cfg.Protection))
	if err := cfg.Sweep.build(&b, "VOLT", MaxVoltage2400); err != nil {
		return err
	}
	if err := maglab.CheckRange("current compliance", cfg.Compliance, 0, MaxCurrent2400); err != nil {
		return err
	}
	b.Addf(":SENS:CURR:PROT %s", formatNumber(cfg.Compliance))
	if err := k.commit(&b); err != nil {
		return err
	}
	k.points = cfg.Points
	return nil
}

// SweepPoints returns the point count of the last sweep configured.
func (k *K2400) SweepPoints() int { return k.points }

// ArmConfiguration sets how many times the source is armed.
func (k *K2400) ArmConfiguration(count int) error {
	if err := maglab.CheckIntRange("arm count", count, 1, MaxPoints2400); err != nil {
		return err
	}
	var b Buffer
	b.Addf(":ARM:COUN %d", count).Add(":ARM:SOUR IMM")
	if err := k.commit(&b); err != nil {
		return err
	}
	k.armCount = count
	return nil
}

// TriggerConfiguration sets the trigger count and delay. count times the
// arm count may not exceed 2500.
func (k *K2400) TriggerConfiguration(count int, delay float64) error {
	if err := maglab.CheckIntRange("trigger count", count, 1, MaxPoints2400/k.armCount); err != nil {
		return err
	}
	if err := maglab.CheckRange("trigger delay", delay, 0, 999.9999); err != nil {
		return err
	}
	var b Buffer
	b.Add(":TRIG:SOUR IMM").Addf(":TRIG:COUN %d", count)
	if delay != 0 {
		b.Addf(":TRIG:DEL %s", formatNumber(delay))
	}
	if err := k.commit(&b); err != nil {
		return err
	}
	k.triggerCount = count
	return nil
}

// Counts returns the configured arm and trigger counts.
func (k *K2400) Counts() (arm, trigger int) { return k.armCount, k.triggerCount }

// CurrentSense configures the current measurement.
func (k *K2400) CurrentSense(cfg Sense) error {
	var b Buffer
	if err := cfg.build(&b, "CURR"); err != nil {
		return err
	}
	return k.commit(&b)
}

// VoltageSense configures the voltage measurement.
func (k *K2400) VoltageSense(cfg Sense) error {
	var b Buffer
	if err := cfg.build(&b, "VOLT"); err != nil {
		return err
	}
	return k.commit(&b)
}

// ResistanceSense configures the resistance measurement.
func (k *K2400) ResistanceSense(cfg ResistanceSense) error {
	if err := maglab.CheckRange("NPLC", cfg.NPLC, 0.01, 10); err != nil {
		return err
	}
	var b Buffer
	b.Add(":SENS:FUNC:CONC ON").Add(":SENS:FUNC:ALL")
	if cfg.AutoMode {
		b.Add(":SENS:RES:MODE AUTO")
	} else {
		b.Add(":SENS:RES:MODE MAN")
	}
	b.Addf(":SENS:RES:OCOM %s", onOff(cfg.OffsetCompensation))
	if cfg.AutoRange {
		b.Add(":SENS:RES:RANG:AUTO ON")
	} else {
		b.Add(":SENS:RES:RANG:AUTO OFF").Addf(":SENS:RES:RANG %s", formatNumber(cfg.ManualRange))
	}
	b.Addf(":SENS:RES:NPLC %s", formatNumber(cfg.NPLC))
	return k.commit(&b)
}

// Display configures the front panel display.
func (k *K2400) Display(cfg Display) error {
	var b Buffer
	switch {
	case !cfg.Enable:
		b.Add(":DISP:ENAB OFF")
	case cfg.StateDetail:
		b.Add(":DISP:ENAB ON").Add(":DISP:CND")
	default:
		if err := maglab.CheckIntRange("display digits", cfg.Digits, 4, 7); err != nil {
			return err
		}
		b.Add(":DISP:ENAB ON").Addf(":DISP:DIG %d", cfg.Digits)
	}
	return k.commit(&b)
}

// Filter configures the averaging filter.
func (k *K2400) Filter(cfg Filter) error {
	var b Buffer
	if !cfg.Active {
		b.Add(":SENS:AVER:STAT OFF")
		return k.commit(&b)
	}
	mode, err := filterModes.Lookup("filter mode", cfg.Mode)
	if err != nil {
		return err
	}
	if err := maglab.CheckIntRange("filter count", cfg.Count, 1, 100); err != nil {
		return err
	}
	b.Add(":SENS:AVER:STAT ON").Addf(":SENS:AVER:TCON %s", mode).Addf(":SENS:AVER:COUN %d", cfg.Count)
	return k.commit(&b)
}

func lookupAll(m Mnemonics, option string, names []string) (string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		s, err := m.Lookup(option, n)
		if err != nil {
			return "", err
		}
		out = append(out, s)
	}
	return strings.Join(out, ","), nil
}

// Format configures the reading format and the elements of each reading.
func (k *K2400) Format(cfg Format) error {
	sreg, err := sregFormats.Lookup("status register format", cfg.StatusRegister)
	if err != nil {
		return err
	}
	data, err := dataFormats.Lookup("data format", cfg.Data)
	if err != nil {
		return err
	}
	if len(cfg.Elements) == 0 {
		return &maglab.EnumError{Option: "format elements", Value: "", Allowed: elements2400.names}
	}
	elems, err := lookupAll(elements2400, "format element", cfg.Elements)
	if err != nil {
		return err
	}
	var b Buffer
	b.Addf(":FORM:SREG %s", sreg).Addf(":FORM %s", data)
	if cfg.NormalOrder {
		b.Add(":FORM:BORD NORM")
	} else {
		b.Add(":FORM:BORD SWAP")
	}
	b.Addf(":FORM:ELEM %s", elems)
	if len(cfg.CalcElements) > 0 {
		b.Addf(":FORM:ELEM:CALC %s", strings.ToUpper(strings.Join(cfg.CalcElements, ",")))
	}
	if cfg.Source2 != "" {
		src2, err := sregFormats.Lookup("source 2 format", cfg.Source2)
		if err != nil {
			return err
		}
		b.Addf(":FORM:SOUR2 %s", src2)
	}
	if err := k.commit(&b); err != nil {
		return err
	}
	k.data, k.normalOrder = data, cfg.NormalOrder
	return nil
}

// OutputConfiguration sets the output interlock and off state.
func (k *K2400) OutputConfiguration(cfg OutputConfiguration) error {
	mode, err := offModes.Lookup("output off mode", cfg.OffMode)
	if err != nil {
		return err
	}
	var b Buffer
	b.Addf(":OUTP:ENAB %s", onOff(cfg.Enable)).Addf(":OUTP:SMOD %s", mode)
	return k.commit(&b)
}

// Route selects the front or rear terminals.
func (k *K2400) Route(terms string) error {
	t, err := terminals.Lookup("terminals", terms)
	if err != nil {
		return err
	}
	var b Buffer
	b.Addf(":ROUT:TERM %s", t)
	return k.commit(&b)
}

// System presets the instrument and configures the system options.
func (k *K2400) System(cfg System) error {
	var b Buffer
	b.Add(":SYST:PRES").
		Addf(":SYST:BEEP:STAT %s", onOff(cfg.Beep)).
		Addf(":SYST:TIME:RES:AUTO %s", onOff(cfg.TimestampReset)).
		Addf(":SYST:RSEN %s", onOff(cfg.RemoteSense))
	return k.commit(&b)
}

// Measurement is one acquisition, one row per trigger.
type Measurement struct {
	Elements []string
	Rows     [][]float64
}

// AcquireMeasurements turns the output on, reads one acquisition and turns
// the output off again, whatever happened in between.
func (k *K2400) AcquireMeasurements() (Measurement, error) {
	if err := k.OutputOn(); err != nil {
		return Measurement{}, err
	}
	m, err := k.read()
	if err != nil {
		return Measurement{}, multierr.Append(err, k.OutputOff())
	}
	if err := k.OutputOff(); err != nil {
		return Measurement{}, err
	}
	return m, nil
}

// AcquireSweeps runs one acquisition per arm count.
func (k *K2400) AcquireSweeps() ([]Measurement, error) {
	out := make([]Measurement, 0, k.armCount)
	for i := 0; i < k.armCount; i++ {
		m, err := k.AcquireMeasurements()
		if err != nil {
			return out, errors.Wrapf(err, "sweep %d", i+1)
		}
		out = append(out, m)
	}
	return out, nil
}

func (k *K2400) read() (Measurement, error) {
	var raw string
	if k.binary() {
		b, err := maglab.QueryBlock(k.conn, ":READ?")
		if err != nil {
			return Measurement{}, errors.Wrap(err, "read")
		}
		raw = string(b)
	} else {
		s, err := k.conn.Query(":READ?")
		if err != nil {
			return Measurement{}, errors.Wrap(err, "read")
		}
		raw = s
	}
	if err := k.sync(); err != nil {
		return Measurement{}, err
	}
	elems, err := query.String(k.conn, ":FORM:ELEM?")
	if err != nil {
		return Measurement{}, errors.Wrap(err, "format elements query")
	}
	m := Measurement{Elements: strings.Split(strings.TrimSpace(elems), ",")}
	vals, err := k.decode(raw)
	if err != nil {
		return Measurement{}, err
	}
	n := len(m.Elements)
	if n == 0 || len(vals)%n != 0 {
		return Measurement{}, &maglab.NotRespondingError{
			Command: ":READ?",
			Reply:   strconv.Itoa(len(vals)) + " values for elements " + elems,
		}
	}
	for len(vals) > 0 {
		m.Rows = append(m.Rows, vals[:n:n])
		vals = vals[n:]
	}
	return m, nil
}

// binary reports whether readings come as blocks of single-precision
// samples: REAL, REAL,32 and SREAL all carry 4-byte floats.
func (k *K2400) binary() bool {
	return k.data == "REAL" || k.data == "REAL,32" || k.data == "SREAL"
}

// decode splits an ASCII reading on commas, or unpacks a binary block.
func (k *K2400) decode(raw string) ([]float64, error) {
	if k.binary() {
		return decodeBlock(raw, 4, k.normalOrder)
	}
	fields := strings.Split(strings.TrimSpace(raw), ",")
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, &maglab.NotRespondingError{Command: ":READ?", Reply: raw}
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// decodeBlock unpacks a binary reply of size-byte samples.
func decodeBlock(raw string, size int, normalOrder bool) ([]float64, error) {
	order := block.Swapped
	if normalOrder {
		order = block.Normal
	}
	return block.Decode([]byte(raw), size, order)
}

// Close turns the output off and releases the connection.
func (k *K2400) Close() error {
	return k.close(k.OutputOff())
}
