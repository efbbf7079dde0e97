// Package oxford drives the instruments of an Oxford MagLab2000 system: the
// IPS magnet power supply, the ILM level meter and the ITC temperature
// controller. They share one command dialect: a single letter plus decimal
// digits, optionally prefixed with an ISOBUS radix, answered by an echo of
// the command letter followed by the value. A reply containing '?' means the
// command was rejected.
//
// Profiles are not safe for concurrent use.
package oxford

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/status"
)

// DefaultSettle is the wait after switching a superconducting switch heater.
const DefaultSettle = 20 * time.Second

type options struct {
	master       bool
	isobus       int
	tolerance    float64
	pollInterval time.Duration
	pollTimeout  time.Duration
	settle       time.Duration
	lineFeed     bool
	extended     bool
	ignoreLowHe  bool
	log          *logrus.Entry
}

// Option configures an Oxford profile.
type Option func(*options)

// WithISOBUSMaster marks the instrument as the ISOBUS master (radix "@0").
func WithISOBUSMaster() Option { return func(o *options) { o.master = true } }

// WithISOBUSAddress addresses an instrument linked through the ISOBUS
// master. n must be 1..8.
func WithISOBUSAddress(n int) Option { return func(o *options) { o.isobus = n } }

// WithTolerance accepts read-backs within t of the commanded value. The
// default demands exact equality with the value actually sent.
func WithTolerance(t float64) Option { return func(o *options) { o.tolerance = t } }

// WithPollInterval sets the gap between status polls while sweeping.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.pollInterval = d } }

// WithPollTimeout bounds each sweep wait. Zero leaves only the context.
func WithPollTimeout(d time.Duration) Option { return func(o *options) { o.pollTimeout = d } }

// WithSettle sets the wait after opening or closing the switch heater.
func WithSettle(d time.Duration) Option { return func(o *options) { o.settle = d } }

// WithLineFeed makes the instrument send LF after every CR.
func WithLineFeed() Option { return func(o *options) { o.lineFeed = true } }

// WithExtendedResolution selects the extra decimal place of the IPS
// protocol. It is on by default.
func WithExtendedResolution(on bool) Option { return func(o *options) { o.extended = on } }

// WithIgnoreLowHelium suppresses the low helium advisory of the ILM, for
// systems without helium in the inner vessel.
func WithIgnoreLowHelium() Option { return func(o *options) { o.ignoreLowHe = true } }

// WithLogger sets the log entry profiles report to.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Cryostat holds what every MagLab2000 instrument shares: the connection,
// the ISOBUS radix, the identity and the last status read.
type Cryostat struct {
	conn     maglab.Conn
	model    maglab.Model
	radix    string
	identity string
	raw      string
	message  string
	verifier maglab.Verifier
	opts     options
	log      *logrus.Entry
}

func newCryostat(conn maglab.Conn, model maglab.Model, opts []Option) (*Cryostat, error) {
	o := options{
		extended:     true,
		settle:       DefaultSettle,
		pollInterval: maglab.DefaultPollInterval,
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cryostat{
		conn:     conn,
		model:    model,
		verifier: maglab.Verifier{Tolerance: o.tolerance},
		opts:     o,
	}
	switch {
	case o.master:
		c.radix = "@0"
	case o.isobus != 0:
		if err := maglab.CheckIntRange("ISOBUS address", o.isobus, 1, 8); err != nil {
			return nil, err
		}
		c.radix = "@" + strconv.Itoa(o.isobus)
	}
	if t, ok := conn.(maglab.Terminated); ok {
		read, write := t.Terminators()
		if err := checkTerminator("read terminator", read); err != nil {
			return nil, err
		}
		if err := checkTerminator("write terminator", write); err != nil {
			return nil, err
		}
	}
	c.log = o.log.WithFields(logrus.Fields{"model": model.String(), "radix": c.radix})

	id, err := c.Version()
	if err != nil {
		return nil, err
	}
	if err := maglab.Expect(id, model); err != nil {
		return nil, err
	}
	if err := c.SetControlMode(true, true); err != nil {
		return nil, err
	}
	return c, nil
}

func checkTerminator(option string, t maglab.Terminator) error {
	if t == maglab.TermCR || t == maglab.TermCRLF {
		return nil
	}
	return &maglab.EnumError{Option: option, Value: t.String(), Allowed: []string{"CR", "CRLF"}}
}

// setProtocol sends a Q command, which has no reply, and follows the reply
// terminator it selects.
func (c *Cryostat) setProtocol(code int) error {
	if err := c.conn.Command("%sQ%d", c.radix, code); err != nil {
		return errors.Wrapf(err, "setting protocol Q%d", code)
	}
	rt, ok := c.conn.(maglab.TerminatorSetter)
	if !ok {
		return nil
	}
	if c.opts.lineFeed {
		rt.SetReadTerminator(maglab.TermCRLF)
	} else {
		rt.SetReadTerminator(maglab.TermCR)
	}
	return nil
}

// Model returns the instrument variant.
func (c *Cryostat) Model() maglab.Model { return c.model }

// Identity returns the version string read at construction.
func (c *Cryostat) Identity() string { return c.identity }

// Radix returns the ISOBUS prefix, empty for a directly addressed instrument.
func (c *Cryostat) Radix() string { return c.radix }

// LastStatus returns the last valid status string.
func (c *Cryostat) LastStatus() string { return c.raw }

// LastMessage returns the decoded form of LastStatus.
func (c *Cryostat) LastMessage() string { return c.message }

// query sends cmd behind the radix and rejects replies carrying '?'.
func (c *Cryostat) query(cmd string) (string, error) {
	reply, err := c.conn.Query(c.radix + cmd)
	if err != nil {
		return "", errors.Wrapf(err, "%s %s", c.model, cmd)
	}
	if maglab.Rejected(reply) {
		return reply, &maglab.NotRespondingError{Command: cmd, Reply: reply}
	}
	return reply, nil
}

// readFloat queries cmd and parses the reply after its echo character.
func (c *Cryostat) readFloat(cmd string) (float64, error) {
	reply, err := c.query(cmd)
	if err != nil {
		return 0, err
	}
	reply = strings.TrimSpace(reply)
	if len(reply) < 2 {
		return 0, &maglab.NotRespondingError{Command: cmd, Reply: reply}
	}
	v, err := strconv.ParseFloat(reply[1:], 64)
	if err != nil {
		return 0, &maglab.NotRespondingError{Command: cmd, Reply: reply}
	}
	return v, nil
}

// SetControlMode selects local or remote control and locks or unlocks the
// front panel.
func (c *Cryostat) SetControlMode(remote, locked bool) error {
	code := 0
	if remote {
		code++
	}
	if !locked {
		code += 2
	}
	_, err := c.query("C" + strconv.Itoa(code))
	return err
}

// SetSystemCommandsLock unlocks the system commands selected by key:
// 0 locks them all, 1 allows '!', 9999 allows the RAM commands.
func (c *Cryostat) SetSystemCommandsLock(key int) error {
	if err := maglab.CheckIntRange("unlock key", key, 0, 9999); err != nil {
		return err
	}
	_, err := c.query("U" + strconv.Itoa(key))
	return err
}

// Version queries the instrument type and firmware version.
func (c *Cryostat) Version() (string, error) {
	reply, err := c.query("V")
	if err != nil {
		return "", err
	}
	c.identity = strings.TrimSpace(reply)
	return c.identity, nil
}

// SetWaitTime sets the delay, in milliseconds, between reply characters.
func (c *Cryostat) SetWaitTime(ms int) error {
	if err := maglab.CheckIntRange("wait time", ms, 0, 32767); err != nil {
		return err
	}
	_, err := c.query("W" + strconv.Itoa(ms))
	return err
}

// StatusString queries X. A valid reply is cached and decoded; a malformed
// one is returned as device-not-responding and leaves the cache untouched.
func (c *Cryostat) StatusString() (string, error) {
	reply, err := c.query("X")
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	msg, err := status.Decode(c.model, reply)
	if err != nil {
		return "", err
	}
	c.raw, c.message = reply, msg
	return reply, nil
}

// LoadRAM prepares the instrument to receive RAM contents (Y8).
func (c *Cryostat) LoadRAM() error {
	_, err := c.query("Y8")
	return err
}

// DumpRAM returns the RAM contents (Z8).
func (c *Cryostat) DumpRAM() (string, error) { return c.query("Z8") }

// SetISOBUSAddress moves the instrument to ISOBUS address n and addresses it
// there from now on.
func (c *Cryostat) SetISOBUSAddress(n int) error {
	if err := maglab.CheckIntRange("ISOBUS address", n, 1, 8); err != nil {
		return err
	}
	if _, err := c.query("!" + strconv.Itoa(n)); err != nil {
		return err
	}
	c.radix = "@" + strconv.Itoa(n)
	return nil
}

// StoreCalibration saves calibration changes across power cycles.
func (c *Cryostat) StoreCalibration() error {
	_, err := c.query("~")
	return err
}

// generalClose hands the front panel back and releases the connection. The
// release runs whatever happened before.
func (c *Cryostat) generalClose(err error) error {
	err = multierr.Append(err, c.SetControlMode(false, false))
	if closer, ok := c.conn.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	if err != nil {
		c.log.WithError(err).Warn("closed with errors")
	} else {
		c.log.Info("closed")
	}
	return err
}

// verify re-reads with read, which caches what it saw, and checks it
// against the commanded value.
func (c *Cryostat) verify(cmd string, want float64, read func() (float64, error)) error {
	got, err := read()
	if err != nil {
		return err
	}
	return c.verifier.Check(cmd, want, got)
}

// poll repeats done within the configured poll bounds.
func (c *Cryostat) poll(ctx context.Context, op string, done func() (bool, error)) error {
	return maglab.Poll(ctx, c.opts.pollInterval, c.opts.pollTimeout, op, done)
}
