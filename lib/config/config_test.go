package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/maglab"
)

const bench = `
bus:
  port: /dev/ttyUSB3
  baud: 19200
  stop_bits: 2
  read_terminator: crlf
  timeout: 500ms
  write_delay: 50ms
instruments:
  - name: magnet
    model: ips
    address: ASRL/dev/ttyUSB3::INSTR
    isobus: 2
  - name: meter
    model: k2400
    address: GPIB0::24::INSTR
    reset: false
log:
  level: debug
  format: json
redis:
  enabled: true
  channel: fridge
`

func TestParse(t *testing.T) {
	is := is.New(t)
	c, err := Parse([]byte(bench))
	is.NoErr(err)
	is.Equal(c.Bus.Port, "/dev/ttyUSB3")
	is.Equal(c.Bus.Baud, 19200)
	is.Equal(c.Bus.StopBits, 2)
	is.Equal(c.Bus.Timeout, 500*time.Millisecond)
	is.Equal(c.Bus.WriteDelay, 50*time.Millisecond)
	is.Equal(c.Bus.WriteTerminator, "CR") // default kept
	is.Equal(len(c.Instruments), 2)
	is.Equal(c.Redis.Addr, "localhost:6379")
	is.Equal(c.Redis.Channel, "fridge")

	m, ok := c.Instrument("magnet")
	is.True(ok)
	is.Equal(m.Kind(), maglab.ModelIPS)
	is.Equal(m.ISOBUS, 2)
	is.True(m.ResetOnOpen())
	k, _ := c.Instrument("meter")
	is.True(!k.ResetOnOpen())
	_, ok = c.Instrument("fridge")
	is.True(!ok)

	opts, err := c.Bus.Options()
	is.NoErr(err)
	is.Equal(len(opts), 4) // terminators, timeout, delay
}

func TestValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"model":      "instruments: [{name: a, model: hp437}]",
		"duplicate":  "instruments: [{name: a, model: ilm}, {name: a, model: itc}]",
		"unnamed":    "instruments: [{model: ilm}]",
		"address":    "instruments: [{name: a, model: ilm, address: COM1}]",
		"isobus":     "instruments: [{name: a, model: ilm, isobus: 9}]",
		"terminator": "bus: {read_terminator: EOT}",
		"baud":       "bus: {baud: 0}",
		"stop bits":  "bus: {stop_bits: 3}",
		"level":      "log: {level: loud}",
	} {
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			_, err := Parse([]byte(doc))
			is.True(errors.Is(err, maglab.ErrConfiguration))
		})
	}
	_, err := Parse([]byte("bus: [1, 2"))
	is.New(t).True(err != nil)
}

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestOverride(t *testing.T) {
	is := is.New(t)
	c, err := Parse([]byte(bench))
	is.NoErr(err)
	is.NoErr(c.Override(lookupMap(map[string]string{
		"MAGLAB_PORT":           "/dev/ttyACM0",
		"MAGLAB_BAUD":           "9600",
		"MAGLAB_DEBUG":          "true",
		"MAGLAB_TIMEOUT":        "3s",
		"MAGLAB_REDIS_ADDR":     "redis:6379",
		"MAGLAB_MAGNET_ADDRESS": "ASRL/dev/ttyS0::INSTR",
	})))
	is.Equal(c.Bus.Port, "/dev/ttyACM0")
	is.Equal(c.Bus.Baud, 9600)
	is.True(c.Bus.Debug)
	is.Equal(c.Bus.Timeout, 3*time.Second)
	is.Equal(c.Redis.Addr, "redis:6379")
	m, _ := c.Instrument("magnet")
	is.Equal(m.Address, "ASRL/dev/ttyS0::INSTR")

	err = c.Override(lookupMap(map[string]string{"MAGLAB_BAUD": "fast"}))
	is.True(errors.Is(err, maglab.ErrConfiguration))
	err = c.Override(lookupMap(map[string]string{"MAGLAB_TIMEOUT": "soon"}))
	is.True(errors.Is(err, maglab.ErrConfiguration))
	err = c.Override(lookupMap(map[string]string{"MAGLAB_REDIS": "maybe"}))
	is.True(errors.Is(err, maglab.ErrConfiguration))
}

func TestEnvName(t *testing.T) {
	is := is.New(t)
	is.Equal(envName("level-meter 2"), "LEVEL_METER_2")
	is.Equal(envName("ITC"), "ITC")
}

func TestLoad(t *testing.T) {
	is := is.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	is.NoErr(os.WriteFile(path, []byte(bench), 0o644))
	env := filepath.Join(dir, ".env")
	is.NoErr(os.WriteFile(env, []byte("MAGLAB_REDIS_CHANNEL=lab7\nMAGLAB_LOG_LEVEL=warn\n"), 0o644))
	t.Setenv("MAGLAB_LOG_LEVEL", "error") // process environment wins

	c, err := Load(path, env, filepath.Join(dir, "missing.env"))
	is.NoErr(err)
	is.Equal(c.Redis.Channel, "lab7")
	is.Equal(c.Log.Level, "error")

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	is.True(err != nil)

	c, err = Load("")
	is.NoErr(err)
	is.Equal(c.Bus.Baud, Default().Bus.Baud)
}

func TestLogger(t *testing.T) {
	is := is.New(t)
	log, closeLog, err := Log{Level: "debug", Format: "json"}.Logger()
	is.NoErr(err)
	is.Equal(log.GetLevel(), logrus.DebugLevel)
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	is.True(ok)
	is.NoErr(closeLog())

	path := filepath.Join(t.TempDir(), "maglab.log")
	log, closeLog, err = Log{Level: "info", Output: "file", FilePath: path}.Logger()
	is.NoErr(err)
	log.Info("cooling down")
	is.NoErr(closeLog())
	b, err := os.ReadFile(path)
	is.NoErr(err)
	is.True(len(b) > 0)

	_, _, err = Log{Output: "file"}.Logger()
	is.True(errors.Is(err, maglab.ErrConfiguration))
}
