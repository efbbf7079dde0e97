package keithley

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
)

// 6517A limits.
const (
	MaxVoltage6517A = 1000  // V
	MaxCount6517A   = 99999 // arm and trigger counts
)

var (
	autoModes       = NewMnemonics("on", "ON", "once", "ONCE", "off", "OFF")
	averageTypes    = NewMnemonics("none", "NONE", "scalar", "SCAL", "advanced", "ADV")
	averageControls = NewMnemonics("moving", "MOV", "repeat", "REP")
	dataFormats6517 = NewMnemonics("ascii", "ASC", "real32", "REAL,32", "real64", "REAL,64", "sreal", "SRE", "dreal", "DRE")
	elements6517    = NewMnemonics(
		"reading", "READ", "channel", "CHAN", "reading number", "RNUM",
		"units", "UNIT", "timestamp", "TST", "status", "STAT",
		"humidity", "HUM", "etemperature", "ETEM", "vsource", "VSO",
	)
)

// SenseGeneral holds the integration and filter options every 6517A
// measurement function shares.
type SenseGeneral struct {
	AutoNPLC       string  // on, once, off
	NPLC           float64 // 0.01..10, used when AutoNPLC is off
	Reference      bool
	AutoDigits     string // on, once, off
	Digits         int    // 4..7, used when AutoDigits is off
	Average        bool
	AverageType    string  // none, scalar, advanced
	AverageControl string  // moving, repeat
	AverageCount   int     // 1..100
	NoiseTolerance float64 // percent of range, advanced averaging only
	Median         bool
	MedianRank     int // 1..5
}

// DefaultSenseGeneral integrates over 10 PLC with 7 digits and no filters.
func DefaultSenseGeneral() SenseGeneral {
	return SenseGeneral{
		AutoNPLC: "off", NPLC: 10,
		AutoDigits: "off", Digits: 7,
		AverageType: "none", AverageControl: "repeat", AverageCount: 10, NoiseTolerance: 1,
		MedianRank: 1,
	}
}

func (g SenseGeneral) build(b *Buffer, fn string) error {
	nplc, err := autoModes.Lookup("auto NPLC", g.AutoNPLC)
	if err != nil {
		return err
	}
	digits, err := autoModes.Lookup("auto digits", g.AutoDigits)
	if err != nil {
		return err
	}
	b.Addf(":%s:NPLC:AUTO %s", fn, nplc)
	if nplc == "OFF" {
		if err := maglab.CheckRange("NPLC", g.NPLC, 0.01, 10); err != nil {
			return err
		}
		b.Addf(":%s:NPLC %s", fn, formatNumber(g.NPLC))
	}
	b.Addf(":%s:REF:STAT %s", fn, onOff(g.Reference))
	b.Addf(":%s:DIG:AUTO %s", fn, digits)
	if digits == "OFF" {
		if err := maglab.CheckIntRange("digits", g.Digits, 4, 7); err != nil {
			return err
		}
		b.Addf(":%s:DIG %d", fn, g.Digits)
	}
	if g.Average {
		typ, err := averageTypes.Lookup("average type", g.AverageType)
		if err != nil {
			return err
		}
		ctl, err := averageControls.Lookup("average control", g.AverageControl)
		if err != nil {
			return err
		}
		if err := maglab.CheckIntRange("average count", g.AverageCount, 1, 100); err != nil {
			return err
		}
		b.Addf(":%s:AVER:STAT ON", fn).Addf(":%s:AVER:TYPE %s", fn, typ).
			Addf(":%s:AVER:TCON %s", fn, ctl).Addf(":%s:AVER:COUN %d", fn, g.AverageCount)
		if typ == "ADV" {
			if err := maglab.CheckRange("noise tolerance", g.NoiseTolerance, 0, 105); err != nil {
				return err
			}
			b.Addf(":%s:AVER:ADV:NTOL %s", fn, formatNumber(g.NoiseTolerance))
		}
	} else {
		b.Addf(":%s:AVER:STAT OFF", fn)
	}
	if g.Median {
		if err := maglab.CheckIntRange("median rank", g.MedianRank, 1, 5); err != nil {
			return err
		}
		b.Addf(":%s:MED:STAT ON", fn).Addf(":%s:MED:RANK %d", fn, g.MedianRank)
	} else {
		b.Addf(":%s:MED:STAT OFF", fn)
	}
	return nil
}

// Range is an auto or fixed measurement range.
type Range struct {
	Auto  string  // on, once, off
	Upper float64 // used when Auto is off
}

func (r Range) build(b *Buffer, prefix string, max float64) error {
	auto, err := autoModes.Lookup("auto range", r.Auto)
	if err != nil {
		return err
	}
	b.Addf("%s:AUTO %s", prefix, auto)
	if auto == "OFF" {
		if err := maglab.CheckRange("upper range", r.Upper, 0, max); err != nil {
			return err
		}
		b.Addf("%s:UPP %s", prefix, formatNumber(r.Upper))
	}
	return nil
}

// ElectrometerCurrent configures the amps function.
type ElectrometerCurrent struct {
	SenseGeneral
	Range
	Damping bool
}

// DefaultElectrometerCurrent auto ranges with damping on.
func DefaultElectrometerCurrent() ElectrometerCurrent {
	return ElectrometerCurrent{SenseGeneral: DefaultSenseGeneral(), Range: Range{Auto: "on", Upper: 2e-2}, Damping: true}
}

// Charge configures the coulombs function.
type Charge struct {
	SenseGeneral
	Range
	AutoDischarge bool
}

// DefaultCharge auto ranges without auto discharge.
func DefaultCharge() Charge {
	return Charge{SenseGeneral: DefaultSenseGeneral(), Range: Range{Auto: "on", Upper: 2e-6}}
}

// Resistance configures the ohms function. With AutoSource the instrument
// picks the test voltage and the resistance range; otherwise the voltage
// source is set by hand and the current range is selected.
type Resistance struct {
	SenseGeneral
	AutoSource       bool
	ResistanceRange  Range // with AutoSource
	CurrentRange     Range // without AutoSource
	CurrentReference bool
	Damping          bool
}

// DefaultResistance auto sources with auto ranging.
func DefaultResistance() Resistance {
	return Resistance{
		SenseGeneral:    DefaultSenseGeneral(),
		AutoSource:      true,
		ResistanceRange: Range{Auto: "on", Upper: 2e8},
		CurrentRange:    Range{Auto: "on", Upper: 2e-2},
	}
}

// ElectrometerVoltage configures the volts function.
type ElectrometerVoltage struct {
	SenseGeneral
	Range
	Guard            bool
	ExternalFeedback bool
}

// DefaultElectrometerVoltage auto ranges, unguarded.
func DefaultElectrometerVoltage() ElectrometerVoltage {
	return ElectrometerVoltage{SenseGeneral: DefaultSenseGeneral(), Range: Range{Auto: "on", Upper: 200}}
}

// DataFormat configures the 6517A reading format.
type DataFormat struct {
	Data        string // ascii, real32, real64, sreal, dreal
	NormalOrder bool
	Elements    []string
}

// DefaultDataFormat returns ASCII readings with a timestamp.
func DefaultDataFormat() DataFormat {
	return DataFormat{
		Data:        "ascii",
		NormalOrder: true,
		Elements:    []string{"reading", "channel", "reading number", "units", "timestamp", "status"},
	}
}

// SystemOptions configures the 6517A system subsystem.
type SystemOptions struct {
	RelativeTimestamp  bool // REL, otherwise real time clock
	ResetTimestamp     bool // relative timestamps only
	ResetReadingNumber bool
	HardwareLimit      bool // HLC
	Temperature        bool // TSC
	Humidity           bool // HSC
}

// SourceConfig configures the voltage source.
type SourceConfig struct {
	Level        float64 // V, ±1000
	AutoRange    bool    // pick the 100 V or 1000 V range from Level
	MeterConnect bool
	VoltageLimit bool
	AutoLimit    bool    // limit at |Level|
	Limit        float64 // V, without AutoLimit
	CurrentLimit bool    // resistive current limit
}

// DefaultSourceConfig sources 0 V with the current limit on.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{AutoRange: true, AutoLimit: true, Limit: MaxVoltage6517A, CurrentLimit: true}
}

// Reading is one fresh reading and its timestamp. Timestamp is zero when
// the format elements leave it out.
type Reading struct {
	Value     float64
	Timestamp float64
}

// SweepPoint pairs a source voltage with the reading taken at it.
type SweepPoint struct {
	Voltage float64
	Reading
}

// VoltageSweep configures a stepped source sweep with current readings.
type VoltageSweep struct {
	Start, Stop float64 // V
	Points      int     // ≥ 2
	Sweeps      int
	Current     ElectrometerCurrent
}

// K6517A is the Keithley 6517A electrometer.
type K6517A struct {
	*scpi
	armCount     int
	triggerCount int
	output       string
	data         string
	normalOrder  bool
	last         Reading
}

// New6517A identifies the electrometer and, unless WithReset(false), resets
// it with the source off.
func New6517A(conn maglab.Conn, opts ...Option) (*K6517A, error) {
	s, err := newSCPI(conn, maglab.ModelKeithley6517A, opts)
	if err != nil {
		return nil, err
	}
	k := &K6517A{scpi: s, armCount: 1, triggerCount: 1, data: "ASC", normalOrder: true}
	if s.opts.reset {
		if err := k.SystemReset(); err != nil {
			return nil, err
		}
	}
	s.log.WithField("identity", s.Identity()).Info("electrometer ready")
	return k, nil
}

// SystemReset restores the defaults with the voltage source off.
func (k *K6517A) SystemReset() error {
	if err := k.resetSequence(253, 189, false); err != nil {
		return multierr.Append(err, k.OutputOff())
	}
	if err := k.OutputOff(); err != nil {
		return err
	}
	return k.sync()
}

// OutputStatus returns the last :OUTP? reply.
func (k *K6517A) OutputStatus() string { return k.output }

func (k *K6517A) setOutput(on bool) error {
	if err := k.conn.Command(":OUTP %s;", onOff(on)); err != nil {
		return errors.Wrap(err, "output state")
	}
	st, err := query.String(k.conn, ":OUTP?")
	if err != nil {
		return errors.Wrap(err, "output state query")
	}
	k.output = strings.TrimSpace(st)
	if want := map[bool]string{true: "1", false: "0"}[on]; k.output != want {
		return &maglab.NotRespondingError{Command: ":OUTP?", Want: want, Got: k.output}
	}
	return k.sync()
}

// OutputOn turns the voltage source on. On failure it is turned off again.
func (k *K6517A) OutputOn() error {
	if err := k.setOutput(true); err != nil {
		return multierr.Append(err, k.OutputOff())
	}
	return nil
}

// OutputOff turns the voltage source off.
func (k *K6517A) OutputOff() error { return k.setOutput(false) }

// CurrentSense configures the amps function with zero check held on while
// the configuration is applied.
func (k *K6517A) CurrentSense(cfg ElectrometerCurrent) error {
	var b Buffer
	b.Add(":SYST:ZCH ON").Add(":FUNC 'CURR:DC'")
	if err := cfg.SenseGeneral.build(&b, "CURR"); err != nil {
		return err
	}
	if err := cfg.Range.build(&b, ":CURR:RANG", 20e-3); err != nil {
		return err
	}
	b.Addf(":CURR:DAMP %s", onOff(cfg.Damping)).Add(":SYST:ZCH OFF")
	return k.commit(&b)
}

// ChargeSense configures the coulombs function.
func (k *K6517A) ChargeSense(cfg Charge) error {
	var b Buffer
	b.Add(":SYST:ZCH ON").Add(":FUNC 'CHAR'")
	if err := cfg.SenseGeneral.build(&b, "CHAR"); err != nil {
		return err
	}
	if err := cfg.Range.build(&b, ":CHAR:RANG", 2.1e-6); err != nil {
		return err
	}
	b.Addf(":CHAR:ADIS %s", onOff(cfg.AutoDischarge)).Add(":SYST:ZCH OFF")
	return k.commit(&b)
}

// ResistanceSense configures the ohms function.
func (k *K6517A) ResistanceSense(cfg Resistance) error {
	var b Buffer
	b.Add(":SYST:ZCH ON").Add(":FUNC 'RES'")
	if err := cfg.SenseGeneral.build(&b, "RES"); err != nil {
		return err
	}
	b.Add(":RES:MSEL NORMAL")
	if cfg.AutoSource {
		b.Add(":RES:VSC AUTO")
		if err := cfg.ResistanceRange.build(&b, ":RES:RANG", 2.1e17); err != nil {
			return err
		}
	} else {
		b.Add(":RES:VSC MAN")
		if err := cfg.CurrentRange.build(&b, ":RES:MAN:CRAN", 20e-3); err != nil {
			return err
		}
	}
	b.Addf(":RES:IREF %s", onOff(cfg.CurrentReference)).
		Addf(":RES:DAMP %s", onOff(cfg.Damping)).
		Add(":SYST:ZCH OFF")
	return k.commit(&b)
}

// VoltageSense configures the volts function.
func (k *K6517A) VoltageSense(cfg ElectrometerVoltage) error {
	var b Buffer
	b.Add(":SYST:ZCH ON").Add(":FUNC 'VOLT:DC'")
	if err := cfg.SenseGeneral.build(&b, "VOLT"); err != nil {
		return err
	}
	if err := cfg.Range.build(&b, ":VOLT:RANG", 210); err != nil {
		return err
	}
	b.Addf(":VOLT:GUAR %s", onOff(cfg.Guard)).
		Addf(":VOLT:XFE %s", onOff(cfg.ExternalFeedback)).
		Add(":SYST:ZCH OFF")
	return k.commit(&b)
}

// Display enables the front panel and its status message line.
func (k *K6517A) Display(enable, statusMessage bool) error {
	var b Buffer
	b.Addf(":DISP:ENAB %s", onOff(enable)).Addf(":DISP:SMES %s", onOff(statusMessage))
	return k.commit(&b)
}

// Format configures the data format, the byte order and the elements.
func (k *K6517A) Format(cfg DataFormat) error {
	data, err := dataFormats6517.Lookup("data format", cfg.Data)
	if err != nil {
		return err
	}
	if len(cfg.Elements) == 0 {
		return &maglab.EnumError{Option: "format elements", Value: "", Allowed: elements6517.names}
	}
	elems, err := lookupAll(elements6517, "format element", cfg.Elements)
	if err != nil {
		return err
	}
	var b Buffer
	b.Addf(":FORM:DATA %s", data)
	if cfg.NormalOrder {
		b.Add(":FORM:BORD NORM")
	} else {
		b.Add(":FORM:BORD SWAP")
	}
	b.Addf(":FORM:ELEM %s", elems)
	if err := k.commit(&b); err != nil {
		return err
	}
	k.data, k.normalOrder = data, cfg.NormalOrder
	return nil
}

// System presets the instrument and configures timestamps and the
// auxiliary sensors.
func (k *K6517A) System(cfg SystemOptions) error {
	var b Buffer
	b.Add(":SYST:PRES")
	if cfg.RelativeTimestamp {
		b.Add(":SYST:TST:TYPE REL")
		if cfg.ResetTimestamp {
			b.Add(":SYST:TST:REL:RES")
		}
	} else {
		b.Add(":SYST:TST:TYPE RTC")
	}
	if cfg.ResetReadingNumber {
		b.Add(":SYST:RNUM:RES")
	}
	b.Addf(":SYST:HLC %s", onOff(cfg.HardwareLimit)).
		Addf(":SYST:TSC %s", onOff(cfg.Temperature)).
		Addf(":SYST:HSC %s", onOff(cfg.Humidity))
	return k.commit(&b)
}

// Arm sets the arm count with an immediate arm source.
func (k *K6517A) Arm(count int) error {
	if err := maglab.CheckIntRange("arm count", count, 1, MaxCount6517A); err != nil {
		return err
	}
	var b Buffer
	b.Add(":ARM:SOUR IMM").Addf(":ARM:COUN %d", count)
	if err := k.commit(&b); err != nil {
		return err
	}
	k.armCount = count
	return nil
}

// Trigger sets the trigger count and delay with an immediate trigger source.
func (k *K6517A) Trigger(count int, delay float64) error {
	if err := maglab.CheckIntRange("trigger count", count, 1, MaxCount6517A); err != nil {
		return err
	}
	if err := maglab.CheckRange("trigger delay", delay, 0, 999999.999); err != nil {
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
func (k *K6517A) Counts() (arm, trigger int) { return k.armCount, k.triggerCount }

// ConfigureSource applies a full voltage source configuration.
func (k *K6517A) ConfigureSource(cfg SourceConfig) error {
	if err := maglab.CheckRange("source voltage", cfg.Level, -MaxVoltage6517A, MaxVoltage6517A); err != nil {
		return err
	}
	var b Buffer
	b.Addf(":SOUR:VOLT %s", formatNumber(cfg.Level))
	if cfg.AutoRange {
		b.Addf(":SOUR:VOLT:RANG %s", formatNumber(math.Abs(cfg.Level)))
	}
	if cfg.VoltageLimit {
		limit := cfg.Limit
		if cfg.AutoLimit {
			limit = math.Abs(cfg.Level)
		}
		if err := maglab.CheckRange("voltage limit", limit, 0, MaxVoltage6517A); err != nil {
			return err
		}
		b.Add(":SOUR:VOLT:LIM:STAT ON").Addf(":SOUR:VOLT:LIM %s", formatNumber(limit))
	} else {
		b.Add(":SOUR:VOLT:LIM:STAT OFF")
	}
	b.Addf(":SOUR:VOLT:MCON %s", onOff(cfg.MeterConnect))
	b.Addf(":SOUR:CURR:RLIM:STAT %s", onOff(cfg.CurrentLimit))
	return k.commit(&b)
}

// VoltageSource sets the source level, ±1000 V, and the meter connect.
func (k *K6517A) VoltageSource(level float64, meterConnect bool) error {
	if err := maglab.CheckRange("source voltage", level, -MaxVoltage6517A, MaxVoltage6517A); err != nil {
		return err
	}
	var b Buffer
	b.Addf(":SOUR:VOLT %s", formatNumber(level)).Addf(":SOUR:VOLT:MCON %s", onOff(meterConnect))
	return k.commit(&b)
}

// LastReading returns the last reading returned by Fresh.
func (k *K6517A) LastReading() Reading { return k.last }

// Fresh returns the latest reading not returned before. The first element is
// the reading; the timestamp is taken from the field carrying a "secs" unit
// suffix, or from the second field of a binary reply.
func (k *K6517A) Fresh() (Reading, error) {
	var raw string
	if k.data == "ASC" {
		s, err := k.conn.Query(":DATA:FRES?")
		if err != nil {
			return Reading{}, errors.Wrap(err, "fresh reading")
		}
		raw = s
	} else {
		b, err := maglab.QueryBlock(k.conn, ":DATA:FRES?")
		if err != nil {
			return Reading{}, errors.Wrap(err, "fresh reading")
		}
		raw = string(b)
	}
	r, err := k.parseReading(raw)
	if err != nil {
		return Reading{}, err
	}
	k.last = r
	return r, nil
}

func (k *K6517A) parseReading(raw string) (Reading, error) {
	bad := &maglab.NotRespondingError{Command: ":DATA:FRES?", Reply: raw}
	if k.data != "ASC" {
		size := 4
		if k.data == "REAL,64" || k.data == "DRE" {
			size = 8
		}
		vals, err := decodeBlock(raw, size, k.normalOrder)
		if err != nil {
			return Reading{}, err
		}
		if len(vals) == 0 {
			return Reading{}, bad
		}
		r := Reading{Value: vals[0]}
		if len(vals) > 1 {
			r.Timestamp = vals[1]
		}
		return r, nil
	}
	fields := strings.Split(strings.TrimSpace(raw), ",")
	v, ok := leadingFloat(fields[0])
	if !ok {
		return Reading{}, bad
	}
	r := Reading{Value: v}
	for _, f := range fields[1:] {
		if !strings.HasSuffix(strings.TrimSpace(f), "secs") {
			continue
		}
		ts, ok := leadingFloat(f)
		if !ok {
			return Reading{}, bad
		}
		r.Timestamp = ts
		return r, nil
	}
	if len(fields) == 2 {
		if ts, ok := leadingFloat(fields[1]); ok {
			r.Timestamp = ts
		}
	}
	return r, nil
}

// leadingFloat parses the number at the start of an ASCII element,
// dropping a unit suffix such as "NADC" or "secs".
func leadingFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	n := 0
	for n < len(s) && strings.IndexByte("+-.0123456789eE", s[n]) >= 0 {
		n++
	}
	for ; n > 0; n-- {
		if v, err := strconv.ParseFloat(s[:n], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// AcquireMeasurements turns the source on, takes one fresh reading per
// trigger and turns the source off again, whatever happened in between.
func (k *K6517A) AcquireMeasurements(ctx context.Context) ([]Reading, error) {
	if err := k.OutputOn(); err != nil {
		return nil, err
	}
	out := make([]Reading, 0, k.triggerCount)
	for i := 0; i < k.triggerCount; i++ {
		if err := ctx.Err(); err != nil {
			return out, multierr.Append(err, k.OutputOff())
		}
		r, err := k.Fresh()
		if err != nil {
			return out, multierr.Append(errors.Wrapf(err, "reading %d", i+1), k.OutputOff())
		}
		out = append(out, r)
	}
	if err := k.sync(); err != nil {
		return out, multierr.Append(err, k.OutputOff())
	}
	return out, k.OutputOff()
}

// LinearSweep steps the source from Start to Stop in equal steps.
func (k *K6517A) LinearSweep(ctx context.Context, cfg VoltageSweep) ([][]SweepPoint, error) {
	if err := checkSweep(cfg); err != nil {
		return nil, err
	}
	step := (cfg.Stop - cfg.Start) / float64(cfg.Points-1)
	return k.sweep(ctx, cfg, func(j int) float64 { return cfg.Start + float64(j)*step })
}

// LogSweep steps the source from Start to Stop in equal ratios. Both ends
// must be positive.
func (k *K6517A) LogSweep(ctx context.Context, cfg VoltageSweep) ([][]SweepPoint, error) {
	if err := checkSweep(cfg); err != nil {
		return nil, err
	}
	if err := maglab.CheckRange("log sweep start", cfg.Start, math.SmallestNonzeroFloat64, MaxVoltage6517A); err != nil {
		return nil, err
	}
	if err := maglab.CheckRange("log sweep stop", cfg.Stop, math.SmallestNonzeroFloat64, MaxVoltage6517A); err != nil {
		return nil, err
	}
	lo, hi := math.Log10(cfg.Start), math.Log10(cfg.Stop)
	step := (hi - lo) / float64(cfg.Points-1)
	return k.sweep(ctx, cfg, func(j int) float64 { return math.Pow(10, lo+float64(j)*step) })
}

func checkSweep(cfg VoltageSweep) error {
	if err := maglab.CheckRange("sweep start", cfg.Start, -MaxVoltage6517A, MaxVoltage6517A); err != nil {
		return err
	}
	if err := maglab.CheckRange("sweep stop", cfg.Stop, -MaxVoltage6517A, MaxVoltage6517A); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("sweep points", cfg.Points, 2, MaxCount6517A); err != nil {
		return err
	}
	return maglab.CheckIntRange("sweep count", cfg.Sweeps, 1, MaxCount6517A)
}

// sweep configures the current measurement, turns the source on and reads
// one fresh value per level. The source is off when it returns.
func (k *K6517A) sweep(ctx context.Context, cfg VoltageSweep, level func(int) float64) ([][]SweepPoint, error) {
	if err := k.CurrentSense(cfg.Current); err != nil {
		return nil, err
	}
	if err := k.Arm(1); err != nil {
		return nil, err
	}
	if err := k.Trigger(1, 0); err != nil {
		return nil, err
	}
	if err := k.OutputOn(); err != nil {
		return nil, err
	}
	out := make([][]SweepPoint, 0, cfg.Sweeps)
	for i := 0; i < cfg.Sweeps; i++ {
		pts := make([]SweepPoint, 0, cfg.Points)
		for j := 0; j < cfg.Points; j++ {
			if err := ctx.Err(); err != nil {
				return append(out, pts), multierr.Append(err, k.OutputOff())
			}
			v := level(j)
			if err := k.VoltageSource(v, true); err != nil {
				return append(out, pts), multierr.Append(err, k.OutputOff())
			}
			r, err := k.Fresh()
			if err != nil {
				return append(out, pts), multierr.Append(errors.Wrapf(err, "sweep %d point %d", i+1, j+1), k.OutputOff())
			}
			pts = append(pts, SweepPoint{Voltage: v, Reading: r})
		}
		out = append(out, pts)
		k.log.WithField("sweep", i+1).Debug("sweep done")
	}
	if err := k.sync(); err != nil {
		return out, multierr.Append(err, k.OutputOff())
	}
	return out, k.OutputOff()
}

// Close turns the source off and releases the connection.
func (k *K6517A) Close() error {
	return k.close(k.OutputOff())
}
