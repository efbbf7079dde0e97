package oxford

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/status"
)

// IPS limits.
const (
	MaxCurrent          = 98.46 // A
	MaxField            = 7.0   // T
	MaxCurrentSweepRate = 16.88 // A/min
	MaxFieldSweepRate   = 1.2   // T/min
)

// IPSReading selects one of the IPS parameters readable with R and
// displayable with F.
type IPSReading int

// IPS readings. The value is the R/F parameter number.
const (
	OutputCurrent            IPSReading = 0
	OutputVoltage            IPSReading = 1
	MagnetCurrent            IPSReading = 2
	CurrentSetPoint          IPSReading = 5
	CurrentSweepRate         IPSReading = 6
	OutputField              IPSReading = 7
	FieldSetPoint            IPSReading = 8
	FieldSweepRate           IPSReading = 9
	SoftwareVoltageLimit     IPSReading = 15
	PersistentCurrent        IPSReading = 16
	TripCurrent              IPSReading = 17
	PersistentField          IPSReading = 18
	TripField                IPSReading = 19
	SwitchHeaterCurrent      IPSReading = 20
	SafeCurrentNegativeLimit IPSReading = 21
	SafeCurrentPositiveLimit IPSReading = 22
	LeadResistance           IPSReading = 23
	MagnetInductance         IPSReading = 24
)

// IPSReadings lists every IPS reading, in parameter order.
var IPSReadings = []IPSReading{
	OutputCurrent, OutputVoltage, MagnetCurrent, CurrentSetPoint, CurrentSweepRate,
	OutputField, FieldSetPoint, FieldSweepRate, SoftwareVoltageLimit, PersistentCurrent,
	TripCurrent, PersistentField, TripField, SwitchHeaterCurrent, SafeCurrentNegativeLimit,
	SafeCurrentPositiveLimit, LeadResistance, MagnetInductance,
}

var ipsReadingDesc = map[IPSReading]string{
	OutputCurrent:            "output current",
	OutputVoltage:            "output voltage",
	MagnetCurrent:            "magnet current",
	CurrentSetPoint:          "current set point",
	CurrentSweepRate:         "current sweep rate",
	OutputField:              "output field",
	FieldSetPoint:            "field set point",
	FieldSweepRate:           "field sweep rate",
	SoftwareVoltageLimit:     "software voltage limit",
	PersistentCurrent:        "persistent current",
	TripCurrent:              "trip current",
	PersistentField:          "persistent field",
	TripField:                "trip field",
	SwitchHeaterCurrent:      "switch heater current",
	SafeCurrentNegativeLimit: "safe current negative limit",
	SafeCurrentPositiveLimit: "safe current positive limit",
	LeadResistance:           "lead resistance",
	MagnetInductance:         "magnet inductance",
}

func (r IPSReading) String() string {
	if s, ok := ipsReadingDesc[r]; ok {
		return s
	}
	return "IPS parameter " + strconv.Itoa(int(r))
}

func (r IPSReading) valid() bool {
	_, ok := ipsReadingDesc[r]
	return ok
}

// Activity is the output activity of the IPS, as on the front panel switches.
type Activity int

// Activities. The value is the A command digit and the status digit.
const (
	Hold       Activity = 0
	ToSetPoint Activity = 1
	ToZero     Activity = 2
	Clamp      Activity = 4
)

// SweepSpeed selects the fast or slow sweep rate profile.
type SweepSpeed int

// Sweep speeds. SweepUnchanged leaves the profile as it is.
const (
	SweepFast SweepSpeed = iota
	SweepSlow
	SweepUnchanged
)

// Polarity is the polarity command kept for PS120-10 compatibility.
type Polarity int

// Polarity commands. The value is the P command digit.
const (
	PolarityNoAction Polarity = 0
	PolarityPositive Polarity = 1
	PolarityNegative Polarity = 2
	PolaritySwap     Polarity = 4
)

// IPS is the Oxford Intelligent Power Supply for a superconducting magnet.
type IPS struct {
	*Cryostat
	readings map[IPSReading]float64
}

// NewIPS identifies the power supply, takes remote control, selects the
// protocol, primes every reading and puts the output on hold.
func NewIPS(conn maglab.Conn, opts ...Option) (*IPS, error) {
	c, err := newCryostat(conn, maglab.ModelIPS, opts)
	if err != nil {
		return nil, err
	}
	p := &IPS{Cryostat: c, readings: make(map[IPSReading]float64)}
	code := 0
	if c.opts.lineFeed {
		code += 2
	}
	if c.opts.extended {
		code += 4
	}
	if err := c.setProtocol(code); err != nil {
		return nil, err
	}
	for _, r := range IPSReadings {
		if _, err := p.Read(r); err != nil {
			return nil, err
		}
	}
	if err := p.SetActivity(Hold); err != nil {
		return nil, err
	}
	c.log.WithField("identity", c.identity).Info("power supply ready")
	return p, nil
}

// Read queries reading r and caches it.
func (p *IPS) Read(r IPSReading) (float64, error) {
	if !r.valid() {
		return 0, &maglab.EnumError{Option: "IPS reading", Value: strconv.Itoa(int(r))}
	}
	v, err := p.readFloat("R" + strconv.Itoa(int(r)))
	if err != nil {
		return 0, err
	}
	p.readings[r] = v
	return v, nil
}

// Last returns the cached value of reading r.
func (p *IPS) Last(r IPSReading) (float64, bool) {
	v, ok := p.readings[r]
	return v, ok
}

// Display shows reading r on the front panel.
func (p *IPS) Display(r IPSReading) error {
	if !r.valid() {
		return &maglab.EnumError{Option: "IPS reading", Value: strconv.Itoa(int(r))}
	}
	_, err := p.query("F" + strconv.Itoa(int(r)))
	return err
}

// Status reads and parses the status string.
func (p *IPS) Status() (status.IPS, error) {
	raw, err := p.StatusString()
	if err != nil {
		return status.IPS{}, err
	}
	return status.ParseIPS(raw)
}

// SetActivity selects hold, to set point, to zero or clamp, and verifies it
// in the status.
func (p *IPS) SetActivity(a Activity) error {
	switch a {
	case Hold, ToSetPoint, ToZero, Clamp:
	default:
		return &maglab.EnumError{Option: "activity", Value: strconv.Itoa(int(a)), Allowed: []string{"0", "1", "2", "4"}}
	}
	cmd := "A" + strconv.Itoa(int(a))
	if _, err := p.query(cmd); err != nil {
		return err
	}
	st, err := p.Status()
	if err != nil {
		return err
	}
	if want := byte('0' + a); st.Activity != want {
		return &maglab.NotRespondingError{Command: cmd, Want: string(want), Got: string(st.Activity)}
	}
	return nil
}

// SetSwitchHeater opens (heats) or closes the superconducting switch.
func (p *IPS) SetSwitchHeater(open bool) error {
	cmd := "H0"
	if open {
		cmd = "H1"
	}
	if _, err := p.query(cmd); err != nil {
		return err
	}
	st, err := p.Status()
	if err != nil {
		return err
	}
	if st.HeaterOn() != open {
		return &maglab.NotRespondingError{Command: cmd, Got: string(st.Heater)}
	}
	return nil
}

func (p *IPS) format(v float64, fine, coarse int) string {
	prec := coarse
	if p.opts.extended {
		prec = fine
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// signed renders v with an explicit sign, as the instrument expects.
func (p *IPS) signed(v float64, fine, coarse int) string {
	s := p.format(v, fine, coarse)
	if s[0] != '-' {
		s = "+" + s
	}
	return s
}

// setVerified sends letter+arg and checks the read-back of r.
func (p *IPS) setVerified(letter string, arg string, r IPSReading) error {
	cmd := letter + arg
	if _, err := p.query(cmd); err != nil {
		return err
	}
	return p.verify(cmd, maglab.Quantize(arg), func() (float64, error) { return p.Read(r) })
}

// SetTargetCurrent sets the current set point, in amperes.
func (p *IPS) SetTargetCurrent(i float64) error {
	if err := maglab.CheckRange("target current", i, -MaxCurrent, MaxCurrent); err != nil {
		return err
	}
	return p.setVerified("I", p.signed(i, 4, 3), CurrentSetPoint)
}

// SetTargetField sets the field set point, in tesla.
func (p *IPS) SetTargetField(b float64) error {
	if err := maglab.CheckRange("target field", b, -MaxField, MaxField); err != nil {
		return err
	}
	return p.setVerified("J", p.signed(b, 5, 4), FieldSetPoint)
}

// SetCurrentSweepRate sets the sweep rate in amperes per minute.
func (p *IPS) SetCurrentSweepRate(r float64) error {
	if err := maglab.CheckRange("current sweep rate", r, -MaxCurrentSweepRate, MaxCurrentSweepRate); err != nil {
		return err
	}
	return p.setVerified("S", p.signed(r, 4, 3), CurrentSweepRate)
}

// SetFieldSweepRate sets the sweep rate in tesla per minute.
func (p *IPS) SetFieldSweepRate(r float64) error {
	if err := maglab.CheckRange("field sweep rate", r, -MaxFieldSweepRate, MaxFieldSweepRate); err != nil {
		return err
	}
	return p.setVerified("T", p.signed(r, 4, 3), FieldSweepRate)
}

// SetMode selects the front panel display (field or current) and the sweep
// rate profile. The status confirms the display, and the speed unless it is
// SweepUnchanged.
func (p *IPS) SetMode(fieldDisplay bool, speed SweepSpeed) error {
	var code int
	switch speed {
	case SweepFast:
	case SweepSlow:
		code = 4
	case SweepUnchanged:
		code = 8
	default:
		return &maglab.EnumError{Option: "sweep speed", Value: strconv.Itoa(int(speed))}
	}
	if fieldDisplay {
		code++
	}
	cmd := "M" + strconv.Itoa(code)
	if _, err := p.query(cmd); err != nil {
		return err
	}
	st, err := p.Status()
	if err != nil {
		return err
	}
	got := int(st.SweepMode - '0')
	ok := got&1 == code&1
	if speed != SweepUnchanged {
		ok = got == code
	}
	if !ok {
		return &maglab.NotRespondingError{Command: cmd, Want: strconv.Itoa(code), Got: string(st.SweepMode)}
	}
	return nil
}

// SetPolarity sends a polarity command. The instrument does not report it
// back.
func (p *IPS) SetPolarity(pol Polarity) error {
	switch pol {
	case PolarityNoAction, PolarityPositive, PolarityNegative, PolaritySwap:
	default:
		return &maglab.EnumError{Option: "polarity", Value: strconv.Itoa(int(pol)), Allowed: []string{"0", "1", "2", "4"}}
	}
	_, err := p.query("P" + strconv.Itoa(int(pol)))
	return err
}

// waitSweep polls the status until the output is at rest.
func (p *IPS) waitSweep(ctx context.Context) error {
	return p.poll(ctx, "IPS sweep", func() (bool, error) {
		st, err := p.Status()
		if err != nil {
			return false, err
		}
		return !st.Sweeping(), nil
	})
}

// quantity is the current or the field side of the sweep sequences.
type quantity struct {
	name       string
	setPoint   IPSReading
	persistent IPSReading
	check      func(float64) error
	setTarget  func(float64) error
}

func (p *IPS) current() quantity {
	return quantity{
		name:       "current",
		setPoint:   CurrentSetPoint,
		persistent: PersistentCurrent,
		check: func(v float64) error {
			return maglab.CheckRange("target current", v, -MaxCurrent, MaxCurrent)
		},
		setTarget: p.SetTargetCurrent,
	}
}

func (p *IPS) field() quantity {
	return quantity{
		name:       "field",
		setPoint:   FieldSetPoint,
		persistent: PersistentField,
		check: func(v float64) error {
			return maglab.CheckRange("target field", v, -MaxField, MaxField)
		},
		setTarget: p.SetTargetField,
	}
}

// sweep drives the magnet to v. With the switch closed, the supply is first
// brought to the persistent value and the heater opened, so the magnet
// current never jumps. In persistent mode the switch is closed again at the
// end and the leads run down to zero.
func (p *IPS) sweep(ctx context.Context, q quantity, v float64, persistent bool) error {
	if err := q.check(v); err != nil {
		return err
	}
	log := p.log.WithField(q.name, v)
	st, err := p.Status()
	if err != nil {
		return err
	}
	if !st.HeaterOn() {
		sp, err := p.Read(q.setPoint)
		if err != nil {
			return err
		}
		pv, err := p.Read(q.persistent)
		if err != nil {
			return err
		}
		if sp != pv {
			if err := q.setTarget(pv); err != nil {
				return errors.Wrapf(err, "restoring persistent %s", q.name)
			}
		}
		if st.Activity != byte('0'+ToSetPoint) {
			if err := p.SetActivity(ToSetPoint); err != nil {
				return err
			}
			if err := p.waitSweep(ctx); err != nil {
				return err
			}
		}
		if err := p.SetSwitchHeater(true); err != nil {
			return err
		}
		log.Debug("switch heater open, settling")
		if err := maglab.Sleep(ctx, p.opts.settle); err != nil {
			return err
		}
	}
	if err := q.setTarget(v); err != nil {
		return err
	}
	if err := p.waitSweep(ctx); err != nil {
		return err
	}
	if !persistent {
		log.Info("magnet at set point")
		return nil
	}
	if err := p.SetSwitchHeater(false); err != nil {
		return err
	}
	if err := maglab.Sleep(ctx, p.opts.settle); err != nil {
		return err
	}
	if err := p.SetActivity(ToZero); err != nil {
		return err
	}
	log.Info("magnet persistent")
	return nil
}

// SetNonPersistentCurrent sweeps the magnet to i amperes and leaves the
// switch heater open.
func (p *IPS) SetNonPersistentCurrent(ctx context.Context, i float64) error {
	return p.sweep(ctx, p.current(), i, false)
}

// SetPersistentCurrent sweeps the magnet to i amperes, closes the switch and
// runs the leads down.
func (p *IPS) SetPersistentCurrent(ctx context.Context, i float64) error {
	return p.sweep(ctx, p.current(), i, true)
}

// SetNonPersistentField sweeps the magnet to b tesla and leaves the switch
// heater open.
func (p *IPS) SetNonPersistentField(ctx context.Context, b float64) error {
	return p.sweep(ctx, p.field(), b, false)
}

// SetPersistentField sweeps the magnet to b tesla, closes the switch and
// runs the leads down.
func (p *IPS) SetPersistentField(ctx context.Context, b float64) error {
	return p.sweep(ctx, p.field(), b, true)
}

// Close closes the switch heater, clamps the output, returns the supply to
// local control and releases the connection. Every step runs.
func (p *IPS) Close() error {
	var err error
	err = multierr.Append(err, p.SetSwitchHeater(false))
	err = multierr.Append(err, p.SetActivity(Clamp))
	return p.generalClose(err)
}
