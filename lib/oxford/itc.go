package oxford

import (
	"strconv"

	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/status"
)

// ITCReading selects one of the ITC parameters readable with R and
// displayable with F.
type ITCReading int

// ITC readings. The value is the R/F parameter number.
const (
	SetPoint         ITCReading = 0
	Sensor1          ITCReading = 1
	Sensor2          ITCReading = 2
	Sensor3          ITCReading = 3
	HeaterOutput     ITCReading = 5
	GasFlow          ITCReading = 7
	ProportionalBand ITCReading = 8
	IntegralTime     ITCReading = 9
	DerivativeTime   ITCReading = 10
)

// ITCReadings lists every ITC reading, in parameter order.
var ITCReadings = []ITCReading{
	SetPoint, Sensor1, Sensor2, Sensor3, HeaterOutput, GasFlow,
	ProportionalBand, IntegralTime, DerivativeTime,
}

var itcReadingDesc = map[ITCReading]string{
	SetPoint:         "temperature set point",
	Sensor1:          "sensor 1 temperature",
	Sensor2:          "sensor 2 temperature",
	Sensor3:          "sensor 3 temperature",
	HeaterOutput:     "heater output",
	GasFlow:          "gas flow",
	ProportionalBand: "proportional band",
	IntegralTime:     "integral action time",
	DerivativeTime:   "derivative action time",
}

func (r ITCReading) String() string {
	if s, ok := itcReadingDesc[r]; ok {
		return s
	}
	return "ITC parameter " + strconv.Itoa(int(r))
}

func (r ITCReading) valid() bool {
	_, ok := itcReadingDesc[r]
	return ok
}

// ITC is the Oxford Intelligent Temperature Controller.
type ITC struct {
	*Cryostat
	readings   map[ITCReading]float64
	maxVoltage float64
	st         status.ITC
}

// NewITC identifies the controller, takes remote control, selects the
// protocol and primes every reading and the status.
func NewITC(conn maglab.Conn, opts ...Option) (*ITC, error) {
	c, err := newCryostat(conn, maglab.ModelITC, opts)
	if err != nil {
		return nil, err
	}
	t := &ITC{Cryostat: c, readings: make(map[ITCReading]float64)}
	code := 0
	if c.opts.lineFeed {
		code = 2
	}
	if err := c.setProtocol(code); err != nil {
		return nil, err
	}
	for _, r := range ITCReadings {
		if _, err := t.Read(r); err != nil {
			return nil, err
		}
	}
	if _, err := t.Status(); err != nil {
		return nil, err
	}
	c.log.WithField("identity", c.identity).Info("temperature controller ready")
	return t, nil
}

// Read queries reading r and caches it.
func (t *ITC) Read(r ITCReading) (float64, error) {
	if !r.valid() {
		return 0, &maglab.EnumError{Option: "ITC reading", Value: strconv.Itoa(int(r))}
	}
	v, err := t.readFloat("R" + strconv.Itoa(int(r)))
	if err != nil {
		return 0, err
	}
	t.readings[r] = v
	return v, nil
}

// Last returns the cached value of reading r.
func (t *ITC) Last(r ITCReading) (float64, bool) {
	v, ok := t.readings[r]
	return v, ok
}

// Display shows reading r on the front panel.
func (t *ITC) Display(r ITCReading) error {
	if !r.valid() {
		return &maglab.EnumError{Option: "ITC reading", Value: strconv.Itoa(int(r))}
	}
	_, err := t.query("F" + strconv.Itoa(int(r)))
	return err
}

// Status reads and parses the status string.
func (t *ITC) Status() (status.ITC, error) {
	raw, err := t.StatusString()
	if err != nil {
		return status.ITC{}, err
	}
	st, err := status.ParseITC(raw)
	if err != nil {
		return status.ITC{}, err
	}
	t.st = st
	return st, nil
}

// LastParsed returns the last parsed status.
func (t *ITC) LastParsed() status.ITC { return t.st }

// setDigit sends cmd and checks the status digit picked by field.
func (t *ITC) setDigit(cmd string, want byte, field func(status.ITC) byte) error {
	if _, err := t.query(cmd); err != nil {
		return err
	}
	st, err := t.Status()
	if err != nil {
		return err
	}
	if got := field(st); got != want {
		return &maglab.NotRespondingError{Command: cmd, Want: string(want), Got: string(got)}
	}
	return nil
}

// setVerified range checks v, sends letter with v and checks the
// read-back of r.
func (t *ITC) setVerified(quantity, letter string, v, min, max float64, r ITCReading) error {
	if err := maglab.CheckRange(quantity, v, min, max); err != nil {
		return err
	}
	arg := maglab.FormatG(v)
	cmd := letter + arg
	if _, err := t.query(cmd); err != nil {
		return err
	}
	return t.verify(cmd, maglab.Quantize(arg), func() (float64, error) { return t.Read(r) })
}

// SetTemperatureControlMode selects automatic or manual control of the
// heater and of the gas flow.
func (t *ITC) SetTemperatureControlMode(heaterAuto, gasAuto bool) error {
	code := 0
	if heaterAuto {
		code++
	}
	if gasAuto {
		code += 2
	}
	return t.setDigit("A"+strconv.Itoa(code), byte('0'+code), func(st status.ITC) byte { return st.Auto })
}

// SetProportionalBand sets the P term, in kelvin.
func (t *ITC) SetProportionalBand(p float64) error {
	return t.setVerified("proportional band", "P", p, 5, 50, ProportionalBand)
}

// SetIntegralTime sets the I term, in minutes.
func (t *ITC) SetIntegralTime(i float64) error {
	return t.setVerified("integral action time", "I", i, 0, 140, IntegralTime)
}

// SetDerivativeTime sets the D term, in minutes.
func (t *ITC) SetDerivativeTime(d float64) error {
	return t.setVerified("derivative action time", "D", d, 0, 140, DerivativeTime)
}

// SetAutoPID enables or disables the learned PID table.
func (t *ITC) SetAutoPID(on bool) error {
	cmd, want := "L0", byte('0')
	if on {
		cmd, want = "L1", '1'
	}
	return t.setDigit(cmd, want, func(st status.ITC) byte { return st.AutoPID })
}

// SetHeaterSensor selects the sensor (1..3) the heater loop controls.
func (t *ITC) SetHeaterSensor(n int) error {
	if err := maglab.CheckIntRange("heater sensor", n, 1, 3); err != nil {
		return err
	}
	return t.setDigit("H"+strconv.Itoa(n), byte('0'+n), func(st status.ITC) byte { return st.Sensor })
}

// SetGasFlow sets the manual gas flow in percent.
func (t *ITC) SetGasFlow(pct float64) error {
	return t.setVerified("gas flow", "G", pct, 0, 100, GasFlow)
}

// SetHeaterOutput sets the manual heater output in percent.
func (t *ITC) SetHeaterOutput(pct float64) error {
	return t.setVerified("heater output", "O", pct, 0, 100, HeaterOutput)
}

// SetMaxHeaterVoltage limits the heater voltage. The instrument cannot
// report it back, so only the commanded value is cached.
func (t *ITC) SetMaxHeaterVoltage(v float64) error {
	if err := maglab.CheckRange("maximum heater voltage", v, 0, 40); err != nil {
		return err
	}
	if _, err := t.query("M" + maglab.FormatG(v)); err != nil {
		return err
	}
	t.maxVoltage = v
	return nil
}

// MaxHeaterVoltage returns the last commanded heater voltage limit.
func (t *ITC) MaxHeaterVoltage() float64 { return t.maxVoltage }

// SetTemperatureSetPoint sets the set point, in kelvin.
func (t *ITC) SetTemperatureSetPoint(k float64) error {
	return t.setVerified("temperature set point", "T", k, 0, 420, SetPoint)
}

// SetSweep starts the sweep program at step (1..status.MaxSweepStep) or
// stops it with 0.
func (t *ITC) SetSweep(step int) error {
	if step != 0 {
		if err := maglab.CheckIntRange("sweep step", step, 1, status.MaxSweepStep); err != nil {
			return err
		}
	}
	cmd := "S" + strconv.Itoa(step)
	if _, err := t.query(cmd); err != nil {
		return err
	}
	st, err := t.Status()
	if err != nil {
		return err
	}
	if st.SweepStep != step {
		return &maglab.NotRespondingError{Command: cmd, Want: strconv.Itoa(step), Got: strconv.Itoa(st.SweepStep)}
	}
	return nil
}

// Close puts both loops in manual, zeroes the set point, heater and gas
// flow, returns the controller to local control and releases the
// connection.
func (t *ITC) Close() error {
	var err error
	err = multierr.Append(err, t.SetTemperatureControlMode(false, false))
	err = multierr.Append(err, t.SetTemperatureSetPoint(0))
	err = multierr.Append(err, t.SetHeaterOutput(0))
	err = multierr.Append(err, t.SetGasFlow(0))
	return t.generalClose(err)
}
