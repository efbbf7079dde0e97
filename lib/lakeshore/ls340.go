// Package lakeshore drives the Lakeshore 340 temperature controller.
//
// Every setter with a query partner writes the command, reads the settings
// back and compares the whole tuple. A mismatch is reported as
// maglab.ErrNotResponding; the cache then holds what the instrument reported.
package lakeshore

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gotmc/query"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/maglab"
)

// Input is a sensor input channel.
type Input string

// Sensor inputs.
const (
	InputA Input = "A"
	InputB Input = "B"
)

func (in Input) index() (int, error) {
	switch in {
	case InputA:
		return 0, nil
	case InputB:
		return 1, nil
	}
	return 0, &maglab.EnumError{Option: "input", Value: string(in), Allowed: []string{"A", "B"}}
}

// Reading sources used by alarms, the linear equation and min/max.
const (
	SourceKelvin = 1 + iota
	SourceCelsius
	SourceSensorUnits
	SourceLinear
)

// Alarm is the ALARM setting of one input.
type Alarm struct {
	On     bool
	Source int // SourceKelvin..SourceLinear
	High   float64
	Low    float64
	Latch  bool
	Relay  bool
}

// AlarmState is the ALARMST reply: whether the high and low alarms are
// tripped.
type AlarmState struct {
	High, Low bool
}

// Filter is the FILTER setting of one input.
type Filter struct {
	On     bool
	Points int // 2..64
	Window int // percent of full scale, 1..10
}

// InputSetup is the INSET setting of one input.
type InputSetup struct {
	Enable       bool
	Compensation bool
}

// InputType is the INTYPE setting of one input. The codes are those of the
// instrument manual.
type InputType struct {
	Type        int
	Units       int
	Coefficient int
	Excitation  int
	Range       int
}

// Linear is the LINEAR equation y = mx + b of one input.
type Linear struct {
	Equation int // 1: y = mx + b, 2: y = m(1/x) + b
	M        float64
	XSource  int // 1..3
	BSource  int // 1: the value B, 2..4: +SP1, +SP2, -SP1
	B        float64
}

// MinMax is the MNMX setting of one input.
type MinMax struct {
	Paused bool
	Source int // SourceKelvin..SourceLinear
}

// Extremes is an MDAT reply.
type Extremes struct {
	Min, Max float64
}

// Cache holds the last-known values of one input. Each field is written
// only by its getter.
type Cache struct {
	Alarm         Alarm
	AlarmState    AlarmState
	Celsius       float64
	Kelvin        float64
	SensorUnits   float64
	Filter        Filter
	Curve         int
	Setup         InputSetup
	Type          InputType
	LinearData    float64
	LinearStatus  int
	Linear        Linear
	MinMax        MinMax
	Extremes      Extremes
	ExtremeStatus [2]int
	ReadingStatus int
}

type options struct {
	reset     bool
	tolerance float64
	log       *logrus.Entry
}

// Option configures the controller profile.
type Option func(*options)

// WithReset selects whether construction resets the instrument. It is on by
// default.
func WithReset(on bool) Option { return func(o *options) { o.reset = on } }

// WithTolerance accepts numeric read-backs within t of the value sent.
func WithTolerance(t float64) Option { return func(o *options) { o.tolerance = t } }

// WithLogger sets the log entry the profile reports to.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// LS340 is the Lakeshore 340 temperature controller. It is not safe for
// concurrent use.
type LS340 struct {
	*maglab.Instrument
	conn   maglab.Conn
	verify maglab.Verifier
	log    *logrus.Entry
	inputs [2]Cache

	curveHeader CurveHeader
	curvePoint  CurvePoint
	logging     bool
	logCount    int
	logSettings LogSettings
	logPoint    LogPoint
}

// New340 identifies the controller and, unless WithReset(false), resets it.
func New340(conn maglab.Conn, opts ...Option) (*LS340, error) {
	o := options{reset: true, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(&o)
	}
	ls := &LS340{
		Instrument: maglab.NewInstrument(conn),
		conn:       conn,
		verify:     maglab.Verifier{Tolerance: o.tolerance},
		log:        o.log.WithField("model", maglab.ModelLakeshore340.String()),
	}
	id, err := ls.Identify()
	if err != nil {
		return nil, err
	}
	if err := maglab.Expect(id, maglab.ModelLakeshore340); err != nil {
		return nil, err
	}
	if o.reset {
		if err := ls.SystemReset(); err != nil {
			return nil, err
		}
	}
	ls.log.WithField("identity", id).Info("temperature controller ready")
	return ls, nil
}

// SystemReset runs the self test, *RST and the status register setup.
func (ls *LS340) SystemReset() error {
	if code, err := ls.SelfTest(); err != nil {
		return err
	} else if code != 0 {
		return &maglab.InstrumentError{Code: code, Message: "self test failed"}
	}
	if err := ls.Reset(); err != nil {
		return err
	}
	if err := ls.ClearStatus(); err != nil {
		return err
	}
	if err := ls.EventEnable(189); err != nil {
		return err
	}
	if _, err := ls.EventEnableQuery(); err != nil {
		return err
	}
	if _, err := ls.EventStatusRegister(); err != nil {
		return err
	}
	if err := ls.ServiceRequestEnable(255); err != nil {
		return err
	}
	if _, err := ls.ServiceRequestEnableQuery(); err != nil {
		return err
	}
	return ls.OperationCompleteQuery()
}

func (ls *LS340) input(in Input) (*Cache, error) {
	i, err := in.index()
	if err != nil {
		return nil, err
	}
	return &ls.inputs[i], nil
}

// fields queries cmd and splits the reply into n comma separated fields.
func (ls *LS340) fields(cmd string, n int) ([]string, error) {
	reply, err := query.String(ls.conn, cmd)
	if err != nil {
		return nil, errors.Wrap(err, cmd)
	}
	f := strings.Split(strings.TrimSpace(reply), ",")
	if len(f) != n {
		return nil, &maglab.NotRespondingError{Command: cmd, Reply: reply}
	}
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	return f, nil
}

// parser converts reply fields, remembering the first failure.
type parser struct {
	cmd   string
	reply []string
	err   error
}

func (p *parser) fail(s string) {
	if p.err == nil {
		p.err = &maglab.NotRespondingError{Command: p.cmd, Reply: strings.Join(p.reply, ","), Got: s}
	}
}

func (p *parser) boolean(i int) bool {
	switch p.reply[i] {
	case "0":
		return false
	case "1":
		return true
	}
	p.fail(p.reply[i])
	return false
}

func (p *parser) integer(i int) int {
	n, err := strconv.Atoi(p.reply[i])
	if err != nil {
		p.fail(p.reply[i])
	}
	return n
}

func (p *parser) number(i int) float64 {
	v, err := strconv.ParseFloat(p.reply[i], 64)
	if err != nil {
		p.fail(p.reply[i])
	}
	return v
}

func (ls *LS340) parse(cmd string, n int) (*parser, error) {
	f, err := ls.fields(cmd, n)
	if err != nil {
		return nil, err
	}
	return &parser{cmd: cmd, reply: f}, nil
}

func (ls *LS340) queryFloat(cmd string) (float64, error) {
	v, err := query.Float64(ls.conn, cmd)
	if err != nil {
		return 0, errors.Wrap(err, cmd)
	}
	return v, nil
}

func (ls *LS340) queryInt(cmd string) (int, error) {
	p, err := ls.parse(cmd, 1)
	if err != nil {
		return 0, err
	}
	n := p.integer(0)
	return n, p.err
}

func b01(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sci(v float64) string { return strconv.FormatFloat(v, 'E', 6, 64) }

func fixed(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

// mismatch reports a read-back that does not confirm the command.
func mismatch(cmd string, want, got any) error {
	return &maglab.NotRespondingError{Command: cmd, Want: fmt.Sprintf("%+v", want), Got: fmt.Sprintf("%+v", got)}
}

// SetAlarm writes the alarm of in and verifies it. With the alarm off only
// the state is written and compared.
func (ls *LS340) SetAlarm(in Input, a Alarm) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	cmd := "ALARM " + string(in) + "," + strconv.Itoa(b01(a.On))
	if a.On {
		if err := maglab.CheckIntRange("alarm source", a.Source, SourceKelvin, SourceLinear); err != nil {
			return err
		}
		hi, lo := sci(a.High), sci(a.Low)
		a.High, a.Low = maglab.Quantize(hi), maglab.Quantize(lo)
		cmd += "," + strconv.Itoa(a.Source) + "," + hi + "," + lo + "," + strconv.Itoa(b01(a.Latch)) + "," + strconv.Itoa(b01(a.Relay))
	}
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.Alarm(in)
	if err != nil {
		return err
	}
	if !a.On {
		if got.On {
			return mismatch(cmd, a, got)
		}
		return nil
	}
	if got.On != a.On || got.Source != a.Source || got.Latch != a.Latch || got.Relay != a.Relay ||
		!ls.verify.Equal(a.High, got.High) || !ls.verify.Equal(a.Low, got.Low) {
		return mismatch(cmd, a, got)
	}
	return nil
}

// Alarm reads the alarm setting of in.
func (ls *LS340) Alarm(in Input) (Alarm, error) {
	c, err := ls.input(in)
	if err != nil {
		return Alarm{}, err
	}
	p, err := ls.parse("ALARM? "+string(in), 6)
	if err != nil {
		return Alarm{}, err
	}
	a := Alarm{On: p.boolean(0), Source: p.integer(1), High: p.number(2), Low: p.number(3), Latch: p.boolean(4), Relay: p.boolean(5)}
	if p.err != nil {
		return Alarm{}, p.err
	}
	c.Alarm = a
	return a, nil
}

// AlarmStatus reads whether the high and low alarms of in are tripped.
func (ls *LS340) AlarmStatus(in Input) (AlarmState, error) {
	c, err := ls.input(in)
	if err != nil {
		return AlarmState{}, err
	}
	p, err := ls.parse("ALARMST? "+string(in), 2)
	if err != nil {
		return AlarmState{}, err
	}
	s := AlarmState{High: p.boolean(0), Low: p.boolean(1)}
	if p.err != nil {
		return AlarmState{}, p.err
	}
	c.AlarmState = s
	return s, nil
}

// Celsius reads the temperature of in in °C.
func (ls *LS340) Celsius(in Input) (float64, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	v, err := ls.queryFloat("CRDG? " + string(in))
	if err != nil {
		return 0, err
	}
	c.Celsius = v
	return v, nil
}

// Kelvin reads the temperature of in in K.
func (ls *LS340) Kelvin(in Input) (float64, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	v, err := ls.queryFloat("KRDG? " + string(in))
	if err != nil {
		return 0, err
	}
	c.Kelvin = v
	return v, nil
}

// SensorUnits reads in in sensor units (V or Ω).
func (ls *LS340) SensorUnits(in Input) (float64, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	v, err := ls.queryFloat("SRDG? " + string(in))
	if err != nil {
		return 0, err
	}
	c.SensorUnits = v
	return v, nil
}

// Last returns a copy of the cached values of in.
func (ls *LS340) Last(in Input) Cache {
	c, err := ls.input(in)
	if err != nil {
		return Cache{}
	}
	return *c
}

// SetFilter writes the reading filter of in and verifies it.
func (ls *LS340) SetFilter(in Input, f Filter) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	cmd := "FILTER " + string(in) + "," + strconv.Itoa(b01(f.On))
	if f.On {
		if err := maglab.CheckIntRange("filter points", f.Points, 2, 64); err != nil {
			return err
		}
		if err := maglab.CheckIntRange("filter window", f.Window, 1, 10); err != nil {
			return err
		}
		cmd += "," + strconv.Itoa(f.Points) + "," + strconv.Itoa(f.Window)
	}
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.Filter(in)
	if err != nil {
		return err
	}
	if got.On != f.On || (f.On && got != f) {
		return mismatch(cmd, f, got)
	}
	return nil
}

// Filter reads the reading filter of in.
func (ls *LS340) Filter(in Input) (Filter, error) {
	c, err := ls.input(in)
	if err != nil {
		return Filter{}, err
	}
	p, err := ls.parse("FILTER? "+string(in), 3)
	if err != nil {
		return Filter{}, err
	}
	f := Filter{On: p.boolean(0), Points: p.integer(1), Window: p.integer(2)}
	if p.err != nil {
		return Filter{}, p.err
	}
	c.Filter = f
	return f, nil
}

// SetCurve selects the calibration curve of in, 0 for none, and verifies it.
func (ls *LS340) SetCurve(in Input, curve int) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("curve number", curve, 0, 60); err != nil {
		return err
	}
	cmd := "INCRV " + string(in) + "," + strconv.Itoa(curve)
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.Curve(in)
	if err != nil {
		return err
	}
	if got != curve {
		return mismatch(cmd, curve, got)
	}
	return nil
}

// Curve reads the calibration curve of in.
func (ls *LS340) Curve(in Input) (int, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	n, err := ls.queryInt("INCRV? " + string(in))
	if err != nil {
		return 0, err
	}
	c.Curve = n
	return n, nil
}

// SetInputSetup writes the INSET setting of in and verifies it.
func (ls *LS340) SetInputSetup(in Input, s InputSetup) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	cmd := "INSET " + string(in) + "," + strconv.Itoa(b01(s.Enable)) + "," + strconv.Itoa(b01(s.Compensation))
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.InputSetup(in)
	if err != nil {
		return err
	}
	if got != s {
		return mismatch(cmd, s, got)
	}
	return nil
}

// InputSetup reads the INSET setting of in.
func (ls *LS340) InputSetup(in Input) (InputSetup, error) {
	c, err := ls.input(in)
	if err != nil {
		return InputSetup{}, err
	}
	p, err := ls.parse("INSET? "+string(in), 2)
	if err != nil {
		return InputSetup{}, err
	}
	s := InputSetup{Enable: p.boolean(0), Compensation: p.boolean(1)}
	if p.err != nil {
		return InputSetup{}, p.err
	}
	c.Setup = s
	return s, nil
}

// SetInputType writes the sensor type of in and verifies it.
func (ls *LS340) SetInputType(in Input, t InputType) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("sensor type", t.Type, 0, 12); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("sensor units", t.Units, 1, 3); err != nil {
		return err
	}
	cmd := "INTYPE " + string(in) + "," + strings.Join([]string{
		strconv.Itoa(t.Type), strconv.Itoa(t.Units), strconv.Itoa(t.Coefficient),
		strconv.Itoa(t.Excitation), strconv.Itoa(t.Range),
	}, ",")
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.InputType(in)
	if err != nil {
		return err
	}
	if got != t {
		return mismatch(cmd, t, got)
	}
	return nil
}

// InputType reads the sensor type of in.
func (ls *LS340) InputType(in Input) (InputType, error) {
	c, err := ls.input(in)
	if err != nil {
		return InputType{}, err
	}
	p, err := ls.parse("INTYPE? "+string(in), 5)
	if err != nil {
		return InputType{}, err
	}
	t := InputType{Type: p.integer(0), Units: p.integer(1), Coefficient: p.integer(2), Excitation: p.integer(3), Range: p.integer(4)}
	if p.err != nil {
		return InputType{}, p.err
	}
	c.Type = t
	return t, nil
}

// LinearData reads the linear equation output of in.
func (ls *LS340) LinearData(in Input) (float64, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	v, err := ls.queryFloat("LDAT? " + string(in))
	if err != nil {
		return 0, err
	}
	c.LinearData = v
	return v, nil
}

// LinearStatus reads the linear equation status bits of in.
func (ls *LS340) LinearStatus(in Input) (int, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	n, err := ls.queryInt("LDATST? " + string(in))
	if err != nil {
		return 0, err
	}
	c.LinearStatus = n
	return n, nil
}

// SetLinear writes the linear equation of in and verifies it. B is sent
// and compared only when BSource is 1.
func (ls *LS340) SetLinear(in Input, l Linear) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("linear equation", l.Equation, 1, 2); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("linear x source", l.XSource, 1, 3); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("linear b source", l.BSource, 1, 4); err != nil {
		return err
	}
	m := fixed(l.M)
	l.M = maglab.Quantize(m)
	cmd := "LINEAR " + string(in) + "," + strconv.Itoa(l.Equation) + "," + m + "," +
		strconv.Itoa(l.XSource) + "," + strconv.Itoa(l.BSource)
	if l.BSource == 1 {
		b := fixed(l.B)
		l.B = maglab.Quantize(b)
		cmd += "," + b
	}
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.Linear(in)
	if err != nil {
		return err
	}
	if got.Equation != l.Equation || got.XSource != l.XSource || got.BSource != l.BSource ||
		!ls.verify.Equal(l.M, got.M) || (l.BSource == 1 && !ls.verify.Equal(l.B, got.B)) {
		return mismatch(cmd, l, got)
	}
	return nil
}

// Linear reads the linear equation of in.
func (ls *LS340) Linear(in Input) (Linear, error) {
	c, err := ls.input(in)
	if err != nil {
		return Linear{}, err
	}
	p, err := ls.parse("LINEAR? "+string(in), 5)
	if err != nil {
		return Linear{}, err
	}
	l := Linear{Equation: p.integer(0), M: p.number(1), XSource: p.integer(2), BSource: p.integer(3), B: p.number(4)}
	if p.err != nil {
		return Linear{}, p.err
	}
	c.Linear = l
	return l, nil
}

// MinMax reads the lowest and highest readings of in since the last reset.
func (ls *LS340) MinMax(in Input) (Extremes, error) {
	c, err := ls.input(in)
	if err != nil {
		return Extremes{}, err
	}
	p, err := ls.parse("MDAT? "+string(in), 2)
	if err != nil {
		return Extremes{}, err
	}
	e := Extremes{Min: p.number(0), Max: p.number(1)}
	if p.err != nil {
		return Extremes{}, p.err
	}
	c.Extremes = e
	return e, nil
}

// MinMaxStatus reads the reading status of the minimum and maximum of in.
func (ls *LS340) MinMaxStatus(in Input) (lo, hi int, err error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, 0, err
	}
	p, err := ls.parse("MDATST? "+string(in), 2)
	if err != nil {
		return 0, 0, err
	}
	lo, hi = p.integer(0), p.integer(1)
	if p.err != nil {
		return 0, 0, p.err
	}
	c.ExtremeStatus = [2]int{lo, hi}
	return lo, hi, nil
}

// SetMinMax starts or pauses the min/max capture of in and verifies it.
func (ls *LS340) SetMinMax(in Input, m MinMax) error {
	if _, err := ls.input(in); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("min/max source", m.Source, SourceKelvin, SourceLinear); err != nil {
		return err
	}
	mode := 1
	if m.Paused {
		mode = 2
	}
	cmd := "MNMX " + string(in) + "," + strconv.Itoa(mode) + "," + strconv.Itoa(m.Source)
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.MinMaxSetup(in)
	if err != nil {
		return err
	}
	if got != m {
		return mismatch(cmd, m, got)
	}
	return nil
}

// MinMaxSetup reads the min/max capture setting of in.
func (ls *LS340) MinMaxSetup(in Input) (MinMax, error) {
	c, err := ls.input(in)
	if err != nil {
		return MinMax{}, err
	}
	p, err := ls.parse("MNMX? "+string(in), 2)
	if err != nil {
		return MinMax{}, err
	}
	m := MinMax{Paused: p.integer(0) == 2, Source: p.integer(1)}
	if mode := p.reply[0]; mode != "1" && mode != "2" {
		p.fail(mode)
	}
	if p.err != nil {
		return MinMax{}, p.err
	}
	c.MinMax = m
	return m, nil
}

// ReadingStatus reads the reading status bits of in.
func (ls *LS340) ReadingStatus(in Input) (int, error) {
	c, err := ls.input(in)
	if err != nil {
		return 0, err
	}
	n, err := ls.queryInt("RDGST? " + string(in))
	if err != nil {
		return 0, err
	}
	c.ReadingStatus = n
	return n, nil
}

// Close releases the connection.
func (ls *LS340) Close() error {
	closer, ok := ls.conn.(io.Closer)
	if !ok {
		ls.log.Info("closed")
		return nil
	}
	if err := closer.Close(); err != nil {
		ls.log.WithError(err).Warn("close")
		return errors.Wrap(err, "close")
	}
	ls.log.Info("closed")
	return nil
}
