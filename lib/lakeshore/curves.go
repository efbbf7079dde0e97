package lakeshore

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gotmc/maglab"
)

// User curves are 21..60; 1..20 are the read-only standard curves.
const (
	FirstUserCurve = 21
	LastUserCurve  = 60
	MaxCurvePoints = 200
)

// CurveHeader is the CRVHDR record of a curve.
type CurveHeader struct {
	Name        string // up to 15 characters
	Serial      string // up to 10 characters
	Format      int    // 1: mV/K, 2: V/K, 3: Ω/K, 4: log Ω/K
	Limit       float64
	Coefficient int // 1: negative, 2: positive
}

// CurvePoint is one breakpoint of a curve.
type CurvePoint struct {
	Units       float64
	Temperature float64
}

func checkText(quantity, s string, max int) error {
	if len(s) > max || strings.ContainsAny(s, ",;\r\n") {
		return &maglab.EnumError{Option: quantity, Value: s, Allowed: []string{"at most " + strconv.Itoa(max) + " characters without separators"}}
	}
	return nil
}

// DeleteCurve erases user curve n.
func (ls *LS340) DeleteCurve(n int) error {
	if err := maglab.CheckIntRange("user curve", n, FirstUserCurve, LastUserCurve); err != nil {
		return err
	}
	return errors.Wrap(ls.conn.Command("CRVDEL %d", n), "delete curve")
}

// SetCurveHeader writes the header of user curve n and verifies it.
func (ls *LS340) SetCurveHeader(n int, h CurveHeader) error {
	if err := maglab.CheckIntRange("user curve", n, FirstUserCurve, LastUserCurve); err != nil {
		return err
	}
	if err := checkText("curve name", h.Name, 15); err != nil {
		return err
	}
	if err := checkText("curve serial", h.Serial, 10); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("curve format", h.Format, 1, 4); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("curve coefficient", h.Coefficient, 1, 2); err != nil {
		return err
	}
	limit := fixed(h.Limit)
	h.Limit = maglab.Quantize(limit)
	cmd := "CRVHDR " + strconv.Itoa(n) + "," + h.Name + "," + h.Serial + "," +
		strconv.Itoa(h.Format) + "," + limit + "," + strconv.Itoa(h.Coefficient)
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.CurveHeader(n)
	if err != nil {
		return err
	}
	if got.Name != h.Name || got.Serial != h.Serial || got.Format != h.Format ||
		got.Coefficient != h.Coefficient || !ls.verify.Equal(h.Limit, got.Limit) {
		return mismatch(cmd, h, got)
	}
	return nil
}

// CurveHeader reads the header of curve n.
func (ls *LS340) CurveHeader(n int) (CurveHeader, error) {
	if err := maglab.CheckIntRange("curve", n, 1, LastUserCurve); err != nil {
		return CurveHeader{}, err
	}
	p, err := ls.parse("CRVHDR? "+strconv.Itoa(n), 5)
	if err != nil {
		return CurveHeader{}, err
	}
	h := CurveHeader{Name: p.reply[0], Serial: p.reply[1], Format: p.integer(2), Limit: p.number(3), Coefficient: p.integer(4)}
	if p.err != nil {
		return CurveHeader{}, p.err
	}
	ls.curveHeader = h
	return h, nil
}

// SetCurvePoint writes breakpoint index of user curve n and verifies it.
func (ls *LS340) SetCurvePoint(n, index int, pt CurvePoint) error {
	if err := maglab.CheckIntRange("user curve", n, FirstUserCurve, LastUserCurve); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("curve index", index, 1, MaxCurvePoints); err != nil {
		return err
	}
	u, t := fixed(pt.Units), fixed(pt.Temperature)
	pt = CurvePoint{Units: maglab.Quantize(u), Temperature: maglab.Quantize(t)}
	cmd := "CRVPT " + strconv.Itoa(n) + "," + strconv.Itoa(index) + "," + u + "," + t
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.CurvePoint(n, index)
	if err != nil {
		return err
	}
	if !ls.verify.Equal(pt.Units, got.Units) || !ls.verify.Equal(pt.Temperature, got.Temperature) {
		return mismatch(cmd, pt, got)
	}
	return nil
}

// CurvePoint reads breakpoint index of curve n.
func (ls *LS340) CurvePoint(n, index int) (CurvePoint, error) {
	if err := maglab.CheckIntRange("curve", n, 1, LastUserCurve); err != nil {
		return CurvePoint{}, err
	}
	if err := maglab.CheckIntRange("curve index", index, 1, MaxCurvePoints); err != nil {
		return CurvePoint{}, err
	}
	p, err := ls.parse("CRVPT? "+strconv.Itoa(n)+","+strconv.Itoa(index), 2)
	if err != nil {
		return CurvePoint{}, err
	}
	pt := CurvePoint{Units: p.number(0), Temperature: p.number(1)}
	if p.err != nil {
		return CurvePoint{}, p.err
	}
	ls.curvePoint = pt
	return pt, nil
}

// SaveCurves stores the user curves in non-volatile memory.
func (ls *LS340) SaveCurves() error {
	return errors.Wrap(ls.conn.Command("CRVSAV"), "save curves")
}

// SoftCal generates user curve dest from standard curve 1, 6 or 7 and two
// or three calibration points.
func (ls *LS340) SoftCal(standard, dest int, serial string, points ...CurvePoint) error {
	if standard != 1 && standard != 6 && standard != 7 {
		return &maglab.EnumError{Option: "SoftCal standard curve", Value: strconv.Itoa(standard), Allowed: []string{"1", "6", "7"}}
	}
	if err := maglab.CheckIntRange("user curve", dest, FirstUserCurve, LastUserCurve); err != nil {
		return err
	}
	if err := checkText("curve serial", serial, 10); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("SoftCal points", len(points), 2, 3); err != nil {
		return err
	}
	args := []string{strconv.Itoa(standard), strconv.Itoa(dest), serial}
	for _, pt := range points {
		args = append(args, fixed(pt.Temperature), fixed(pt.Units))
	}
	cmd := "SCAL " + strings.Join(args, ",")
	return errors.Wrap(ls.conn.Command("%s", cmd), cmd)
}

// LogSettings is the LOGSET record of the data logger.
type LogSettings struct {
	Mode      int // 0: off, 1: continuous, 2: on event
	Overwrite bool
	Continue  bool // continue the last log instead of clearing it
	Period    int  // s, 1..3600
	Readings  int  // readings per record, 1..4
}

// LogPoint is the LOGPNT record of one reading of a log record.
type LogPoint struct {
	Enabled bool
	Input   Input
	Source  int // SourceKelvin..SourceLinear
}

// SetLogging starts or stops the data logger and verifies it.
func (ls *LS340) SetLogging(on bool) error {
	cmd := "LOG " + strconv.Itoa(b01(on))
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.Logging()
	if err != nil {
		return err
	}
	if got != on {
		return mismatch(cmd, on, got)
	}
	return nil
}

// Logging reads whether the data logger runs.
func (ls *LS340) Logging() (bool, error) {
	p, err := ls.parse("LOG?", 1)
	if err != nil {
		return false, err
	}
	on := p.boolean(0)
	if p.err != nil {
		return false, p.err
	}
	ls.logging = on
	return on, nil
}

// LogCount reads the number of stored log records.
func (ls *LS340) LogCount() (int, error) {
	n, err := ls.queryInt("LOGCNT?")
	if err != nil {
		return 0, err
	}
	ls.logCount = n
	return n, nil
}

// SetLogSettings writes the logger settings and verifies them.
func (ls *LS340) SetLogSettings(s LogSettings) error {
	if err := maglab.CheckIntRange("log mode", s.Mode, 0, 2); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("log period", s.Period, 1, 3600); err != nil {
		return err
	}
	if err := maglab.CheckIntRange("log readings", s.Readings, 1, 4); err != nil {
		return err
	}
	start := 1
	if s.Continue {
		start = 2
	}
	cmd := "LOGSET " + strings.Join([]string{
		strconv.Itoa(s.Mode), strconv.Itoa(b01(s.Overwrite)), strconv.Itoa(start),
		strconv.Itoa(s.Period), strconv.Itoa(s.Readings),
	}, ",")
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.LogSettings()
	if err != nil {
		return err
	}
	if got != s {
		return mismatch(cmd, s, got)
	}
	return nil
}

// LogSettings reads the logger settings.
func (ls *LS340) LogSettings() (LogSettings, error) {
	p, err := ls.parse("LOGSET?", 5)
	if err != nil {
		return LogSettings{}, err
	}
	s := LogSettings{
		Mode:      p.integer(0),
		Overwrite: p.boolean(1),
		Continue:  p.integer(2) == 2,
		Period:    p.integer(3),
		Readings:  p.integer(4),
	}
	if p.err != nil {
		return LogSettings{}, p.err
	}
	ls.logSettings = s
	return s, nil
}

// SetLogPoint selects what reading point of each record logs, and
// verifies it.
func (ls *LS340) SetLogPoint(point int, lp LogPoint) error {
	if err := maglab.CheckIntRange("log point", point, 1, 4); err != nil {
		return err
	}
	cmd := "LOGPNT " + strconv.Itoa(point) + "," + strconv.Itoa(b01(lp.Enabled))
	if lp.Enabled {
		if _, err := lp.Input.index(); err != nil {
			return err
		}
		if err := maglab.CheckIntRange("log source", lp.Source, SourceKelvin, SourceLinear); err != nil {
			return err
		}
		cmd += "," + string(lp.Input) + "," + strconv.Itoa(lp.Source)
	}
	if err := ls.conn.Command("%s", cmd); err != nil {
		return errors.Wrap(err, cmd)
	}
	got, err := ls.LogPoint(point)
	if err != nil {
		return err
	}
	if got.Enabled != lp.Enabled || (lp.Enabled && got != lp) {
		return mismatch(cmd, lp, got)
	}
	return nil
}

// LogPoint reads a log record point setting.
func (ls *LS340) LogPoint(point int) (LogPoint, error) {
	if err := maglab.CheckIntRange("log point", point, 1, 4); err != nil {
		return LogPoint{}, err
	}
	p, err := ls.parse("LOGPNT? "+strconv.Itoa(point), 3)
	if err != nil {
		return LogPoint{}, err
	}
	lp := LogPoint{Enabled: p.boolean(0), Input: Input(p.reply[1]), Source: p.integer(2)}
	if p.err != nil {
		return LogPoint{}, p.err
	}
	ls.logPoint = lp
	return lp, nil
}

// LogRecord reads one point of a stored log record: date, time, reading
// and status, as the instrument formats them.
func (ls *LS340) LogRecord(record, point int) ([]string, error) {
	if err := maglab.CheckIntRange("log record", record, 1, math.MaxInt32); err != nil {
		return nil, err
	}
	if err := maglab.CheckIntRange("log point", point, 1, 4); err != nil {
		return nil, err
	}
	return ls.fields("LOGVIEW? "+strconv.Itoa(record)+","+strconv.Itoa(point), 4)
}

// LastCurveHeader returns the header read last by CurveHeader.
func (ls *LS340) LastCurveHeader() CurveHeader { return ls.curveHeader }

// LastCurvePoint returns the breakpoint read last by CurvePoint.
func (ls *LS340) LastCurvePoint() CurvePoint { return ls.curvePoint }

// LastLog returns the logger state read last by Logging, LogCount,
// LogSettings and LogPoint.
func (ls *LS340) LastLog() (on bool, count int, s LogSettings, p LogPoint) {
	return ls.logging, ls.logCount, ls.logSettings, ls.logPoint
}
