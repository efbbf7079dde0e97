package oxford

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gotmc/maglab"
	"github.com/gotmc/maglab/lib/status"
)

// Low level thresholds, in percent.
const (
	LowHelium   = 20.0
	LowNitrogen = 10.0
)

// ChannelReason says why a level meter channel refused an operation.
type ChannelReason int

// Channel refusal reasons.
const (
	ChannelNotUsed ChannelReason = iota
	ChannelFault
	ChannelNotHelium
)

var channelReasonDesc = map[ChannelReason]string{
	ChannelNotUsed:   "is not in use",
	ChannelFault:     "reports an error",
	ChannelNotHelium: "does not meter helium",
}

// ChannelError reports an ILM channel that cannot serve the request. A
// faulty channel matches maglab.ErrNotResponding, the others
// maglab.ErrConfiguration.
type ChannelError struct {
	Channel int
	Reason  ChannelReason
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("level meter channel %d %s", e.Channel, channelReasonDesc[e.Reason])
}

func (e *ChannelError) Is(target error) bool {
	if e.Reason == ChannelFault {
		return target == maglab.ErrNotResponding
	}
	return target == maglab.ErrConfiguration
}

// LowLevelError is an advisory: the level was read and cached, but it is at
// or below the refill threshold.
type LowLevelError struct {
	Channel   int
	Level     float64
	Threshold float64
	Helium    bool
}

func (e *LowLevelError) Error() string {
	liquid := "nitrogen"
	if e.Helium {
		liquid = "helium"
	}
	return fmt.Sprintf("low %s level on channel %d: %g%% (threshold %g%%)", liquid, e.Channel, e.Level, e.Threshold)
}

func (e *LowLevelError) Is(target error) bool { return target == maglab.ErrConfiguration }

// ILM is the Oxford Intelligent Level Meter.
type ILM struct {
	*Cryostat
	levels    [3]float64
	haveLevel [3]bool
	needle    float64
	st        status.ILM
}

// NewILM identifies the level meter, takes remote control, selects the
// protocol and primes the level of every channel in use and the needle
// valve position. A low level during priming is logged, not returned.
func NewILM(conn maglab.Conn, opts ...Option) (*ILM, error) {
	c, err := newCryostat(conn, maglab.ModelILM, opts)
	if err != nil {
		return nil, err
	}
	m := &ILM{Cryostat: c}
	code := 0
	if c.opts.lineFeed {
		code = 2
	}
	if err := c.setProtocol(code); err != nil {
		return nil, err
	}
	st, err := m.Status()
	if err != nil {
		return nil, err
	}
	for ch := 1; ch <= 3; ch++ {
		switch st.Usage[ch-1] {
		case status.UsageNone:
			continue
		case status.UsageError:
			c.log.WithField("channel", ch).Warn("channel reports an error, not primed")
			continue
		}
		var low *LowLevelError
		if _, err := m.ChannelLevel(ch); err != nil && !errors.As(err, &low) {
			return nil, err
		}
	}
	if _, err := m.NeedleValve(); err != nil {
		return nil, err
	}
	c.log.WithField("identity", c.identity).Info("level meter ready")
	return m, nil
}

// Status reads and parses the status string.
func (m *ILM) Status() (status.ILM, error) {
	raw, err := m.StatusString()
	if err != nil {
		return status.ILM{}, err
	}
	st, err := status.ParseILM(raw)
	if err != nil {
		return status.ILM{}, err
	}
	m.st = st
	return st, nil
}

// lastStatus returns the cached status, reading one if there is none yet.
func (m *ILM) lastStatus() (status.ILM, error) {
	if m.st.Raw != "" {
		return m.st, nil
	}
	return m.Status()
}

// ChannelLevel reads the level of channel ch in percent. A low level
// returns the reading together with a *LowLevelError.
func (m *ILM) ChannelLevel(ch int) (float64, error) {
	if err := maglab.CheckIntRange("level meter channel", ch, 1, 3); err != nil {
		return 0, err
	}
	st, err := m.Status()
	if err != nil {
		return 0, err
	}
	usage := st.Usage[ch-1]
	switch usage {
	case status.UsageNone:
		return 0, &ChannelError{Channel: ch, Reason: ChannelNotUsed}
	case status.UsageError:
		return 0, &ChannelError{Channel: ch, Reason: ChannelFault}
	}
	v, err := m.readFloat("R" + strconv.Itoa(ch))
	if err != nil {
		return 0, err
	}
	v /= 10
	m.levels[ch-1], m.haveLevel[ch-1] = v, true

	var low *LowLevelError
	switch {
	case st.Helium(ch) && !m.opts.ignoreLowHe && v <= LowHelium:
		low = &LowLevelError{Channel: ch, Level: v, Threshold: LowHelium, Helium: true}
	case usage == status.UsageNitrogen && v <= LowNitrogen:
		low = &LowLevelError{Channel: ch, Level: v, Threshold: LowNitrogen}
	}
	if low != nil {
		m.log.WithField("channel", ch).Warn(low.Error())
		return v, low
	}
	return v, nil
}

// Level returns the cached level of channel ch.
func (m *ILM) Level(ch int) (float64, bool) {
	if ch < 1 || ch > 3 {
		return 0, false
	}
	return m.levels[ch-1], m.haveLevel[ch-1]
}

// NeedleValve reads the needle valve position in percent.
func (m *ILM) NeedleValve() (float64, error) {
	v, err := m.readFloat("R10")
	if err != nil {
		return 0, err
	}
	m.needle = v / 10
	return m.needle, nil
}

// LastNeedleValve returns the cached needle valve position.
func (m *ILM) LastNeedleValve() float64 { return m.needle }

// SetNeedleValve moves the needle valve stepper to pos percent.
func (m *ILM) SetNeedleValve(pos float64) error {
	if err := maglab.CheckRange("needle valve position", pos, 0, 100); err != nil {
		return err
	}
	arg := maglab.FormatG(pos * 10)
	cmd := "G" + arg
	if _, err := m.query(cmd); err != nil {
		return err
	}
	return m.verify(cmd, maglab.Quantize(arg)/10, m.NeedleValve)
}

// helium checks that ch is a helium channel according to the last status.
func (m *ILM) helium(ch int) error {
	if err := maglab.CheckIntRange("level meter channel", ch, 1, 3); err != nil {
		return err
	}
	st, err := m.lastStatus()
	if err != nil {
		return err
	}
	if !st.Helium(ch) {
		return &ChannelError{Channel: ch, Reason: ChannelNotHelium}
	}
	return nil
}

// SetHeliumSlow puts helium channel ch in the slow sampling rate.
func (m *ILM) SetHeliumSlow(ch int) error {
	if err := m.helium(ch); err != nil {
		return err
	}
	cmd := "S" + strconv.Itoa(ch)
	if _, err := m.query(cmd); err != nil {
		return err
	}
	st, err := m.Status()
	if err != nil {
		return err
	}
	if !st.Bit(ch, 2) {
		return &maglab.NotRespondingError{Command: cmd, Reply: st.Raw}
	}
	return nil
}

// SetHeliumFast puts helium channel ch in the fast sampling rate and reads
// its level.
func (m *ILM) SetHeliumFast(ch int) error {
	if err := m.helium(ch); err != nil {
		return err
	}
	cmd := "T" + strconv.Itoa(ch)
	if _, err := m.query(cmd); err != nil {
		return err
	}
	st, err := m.Status()
	if err != nil {
		return err
	}
	if !st.Bit(ch, 1) {
		return &maglab.NotRespondingError{Command: cmd, Reply: st.Raw}
	}
	_, err = m.ChannelLevel(ch)
	return err
}

// DisplayLevel shows the level of channel ch on the front panel.
func (m *ILM) DisplayLevel(ch int) error {
	if err := maglab.CheckIntRange("level meter channel", ch, 1, 3); err != nil {
		return err
	}
	_, err := m.query("F" + strconv.Itoa(ch))
	return err
}

// DisplayNeedleValve shows the needle valve position on the front panel.
func (m *ILM) DisplayNeedleValve() error {
	_, err := m.query("F10")
	return err
}

// Close shuts the needle valve, returns the meter to local control and
// releases the connection.
func (m *ILM) Close() error {
	var err error
	err = multierr.Append(err, m.SetNeedleValve(0))
	return m.generalClose(err)
}
