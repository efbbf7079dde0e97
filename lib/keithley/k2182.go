package keithley

import (
	"github.com/gotmc/query"
	"github.com/pkg/errors"

	"github.com/gotmc/maglab"
)

// K2182 is the Keithley 2182 nanovoltmeter.
type K2182 struct {
	*scpi
	last float64
}

// New2182 identifies the nanovoltmeter and, unless WithReset(false), resets
// it.
func New2182(conn maglab.Conn, opts ...Option) (*K2182, error) {
	s, err := newSCPI(conn, maglab.ModelKeithley2182, opts)
	if err != nil {
		return nil, err
	}
	k := &K2182{scpi: s}
	if s.opts.reset {
		if err := k.SystemReset(); err != nil {
			return nil, err
		}
	}
	s.log.WithField("identity", s.Identity()).Info("nanovoltmeter ready")
	return k, nil
}

// SystemReset restores the defaults.
func (k *K2182) SystemReset() error {
	if err := k.resetSequence(253, 189, false); err != nil {
		return err
	}
	return k.sync()
}

// ConfigureVoltage selects DC volts on channel 1 with auto range.
func (k *K2182) ConfigureVoltage() error {
	var b Buffer
	b.Add("SENS:FUNC 'VOLT'").Add("SENS:VOLT:CHAN1:RANG:AUTO ON")
	return k.commit(&b)
}

// MeasureVoltage takes one reading, in volts.
func (k *K2182) MeasureVoltage() (float64, error) {
	v, err := query.Float64(k.conn, "MEAS:VOLT?")
	if err != nil {
		return 0, errors.Wrap(err, "measure voltage")
	}
	k.last = v
	return v, nil
}

// LastVoltage returns the last reading taken by MeasureVoltage.
func (k *K2182) LastVoltage() float64 { return k.last }

// Close releases the connection.
func (k *K2182) Close() error { return k.close(nil) }
