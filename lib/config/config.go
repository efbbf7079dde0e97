// Package config loads the bench description: the bus, the instruments on
// it, and the logging, metrics and Redis settings.
//
// A YAML file is decoded over Default, then MAGLAB_* variables from the
// environment (or a .env file) override individual settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/gotmc/maglab"
)

// EnvPrefix starts every overriding variable.
const EnvPrefix = "MAGLAB_"

type Config struct {
	Bus         Bus          `yaml:"bus"`
	Instruments []Instrument `yaml:"instruments"`
	Log         Log          `yaml:"log"`
	Metrics     Metrics      `yaml:"metrics"`
	Redis       Redis        `yaml:"redis"`
}

// Bus describes the serial port and, when Prologix is set, the GPIB adapter
// behind it.
type Bus struct {
	Port            string        `yaml:"port"`
	Baud            int           `yaml:"baud"`
	StopBits        int           `yaml:"stop_bits"`
	Prologix        bool          `yaml:"prologix"`
	AR488           bool          `yaml:"ar488"`
	ReadTerminator  string        `yaml:"read_terminator"`
	WriteTerminator string        `yaml:"write_terminator"`
	Timeout         time.Duration `yaml:"timeout"`
	WriteDelay      time.Duration `yaml:"write_delay"`
	Debug           bool          `yaml:"debug"`
}

// Instrument is one profile to open. Address is a resource address such as
// ASRL/dev/ttyUSB0::INSTR or GPIB0::24::INSTR.
type Instrument struct {
	Name      string  `yaml:"name"`
	Model     string  `yaml:"model"`
	Address   string  `yaml:"address"`
	ISOBUS    int     `yaml:"isobus"`
	Master    bool    `yaml:"master"`
	Tolerance float64 `yaml:"tolerance"`
	Reset     *bool   `yaml:"reset"`
}

type Log struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	History  int    `yaml:"history"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Bus: Bus{
			Port:            "/dev/ttyUSB0",
			Baud:            9600,
			StopBits:        1,
			ReadTerminator:  "CR",
			WriteTerminator: "CR",
			Timeout:         2 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: Metrics{Addr: ":9090"},
		Redis: Redis{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "maglab",
			History:  1000,
		},
	}
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads path (Default when path is empty), applies the environment
// overrides, and validates. Variables in the dotenv files, if they exist,
// are used where the process environment has none.
func Load(path string, dotenv ...string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", path)
		}
	}
	lookup, err := EnvLookup(dotenv...)
	if err != nil {
		return nil, err
	}
	if err := c.Override(lookup); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// EnvLookup returns a lookup over the process environment, falling back to
// the given dotenv files. Missing files are skipped.
func EnvLookup(files ...string) (func(string) (string, bool), error) {
	file := map[string]string{}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		vars, err := godotenv.Read(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", f)
		}
		for k, v := range vars {
			if _, ok := file[k]; !ok {
				file[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

// Override applies MAGLAB_* settings found by lookup. Per-instrument
// addresses use MAGLAB_<NAME>_ADDRESS with the name upper-cased.
func (c *Config) Override(lookup func(string) (string, bool)) error {
	o := overrider{lookup: lookup}
	o.str("PORT", &c.Bus.Port)
	o.integer("BAUD", &c.Bus.Baud)
	o.integer("STOP_BITS", &c.Bus.StopBits)
	o.boolean("PROLOGIX", &c.Bus.Prologix)
	o.str("READ_TERMINATOR", &c.Bus.ReadTerminator)
	o.str("WRITE_TERMINATOR", &c.Bus.WriteTerminator)
	o.duration("TIMEOUT", &c.Bus.Timeout)
	o.duration("WRITE_DELAY", &c.Bus.WriteDelay)
	o.boolean("DEBUG", &c.Bus.Debug)
	o.str("LOG_LEVEL", &c.Log.Level)
	o.str("LOG_FORMAT", &c.Log.Format)
	o.str("LOG_FILE", &c.Log.FilePath)
	o.boolean("METRICS", &c.Metrics.Enabled)
	o.str("METRICS_ADDR", &c.Metrics.Addr)
	o.boolean("REDIS", &c.Redis.Enabled)
	o.str("REDIS_ADDR", &c.Redis.Addr)
	o.str("REDIS_PASSWORD", &c.Redis.Password)
	o.integer("REDIS_DB", &c.Redis.DB)
	o.str("REDIS_CHANNEL", &c.Redis.Channel)
	for i := range c.Instruments {
		o.str(envName(c.Instruments[i].Name)+"_ADDRESS", &c.Instruments[i].Address)
	}
	return o.err
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

type overrider struct {
	lookup func(string) (string, bool)
	err    error
}

func (o *overrider) get(key string) (string, string, bool) {
	key = EnvPrefix + key
	v, ok := o.lookup(key)
	if !ok || o.err != nil {
		return key, "", false
	}
	return key, strings.TrimSpace(v), true
}

func (o *overrider) str(key string, dst *string) {
	if _, v, ok := o.get(key); ok {
		*dst = v
	}
}

func (o *overrider) integer(key string, dst *int) {
	k, v, ok := o.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.err = &maglab.EnumError{Option: k, Value: v, Allowed: []string{"integer"}}
		return
	}
	*dst = n
}

func (o *overrider) boolean(key string, dst *bool) {
	k, v, ok := o.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.err = &maglab.EnumError{Option: k, Value: v, Allowed: []string{"true", "false"}}
		return
	}
	*dst = b
}

func (o *overrider) duration(key string, dst *time.Duration) {
	k, v, ok := o.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.err = &maglab.EnumError{Option: k, Value: v, Allowed: []string{"duration such as 500ms"}}
		return
	}
	*dst = d
}

// Validate checks every setting that can be checked without hardware.
func (c *Config) Validate() error {
	if c.Bus.Baud <= 0 {
		return &maglab.RangeError{Quantity: "baud rate", Value: float64(c.Bus.Baud), Min: 1, Max: 1e7}
	}
	if err := maglab.CheckIntRange("stop bits", c.Bus.StopBits, 1, 2); err != nil {
		return err
	}
	if _, err := maglab.ParseTerminator(c.Bus.ReadTerminator); err != nil {
		return err
	}
	if _, err := maglab.ParseTerminator(c.Bus.WriteTerminator); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return &maglab.EnumError{Option: "log level", Value: c.Log.Level, Allowed: []string{"debug", "info", "warn", "error"}}
	}
	seen := map[string]bool{}
	for _, in := range c.Instruments {
		if in.Name == "" {
			return errors.Wrap(maglab.ErrConfiguration, "instrument without a name")
		}
		if seen[in.Name] {
			return errors.Wrapf(maglab.ErrConfiguration, "instrument %q listed twice", in.Name)
		}
		seen[in.Name] = true
		if in.Kind() == maglab.ModelUnknown {
			return &maglab.EnumError{Option: in.Name + " model", Value: in.Model,
				Allowed: []string{"ips", "ilm", "itc", "k2400", "k6517a", "k2182", "ls340"}}
		}
		if in.Address != "" {
			if _, err := maglab.ParseAddress(in.Address); err != nil {
				return err
			}
		}
		if in.ISOBUS != 0 {
			if err := maglab.CheckIntRange(in.Name+" ISOBUS address", in.ISOBUS, 1, 8); err != nil {
				return err
			}
		}
	}
	return nil
}

// Kind is the model the instrument entry names.
func (in Instrument) Kind() maglab.Model { return maglab.ParseModel(in.Model) }

// ResetOnOpen reports whether the profile should reset the instrument; the
// default is true.
func (in Instrument) ResetOnOpen() bool { return in.Reset == nil || *in.Reset }

// Instrument returns the entry called name.
func (c *Config) Instrument(name string) (Instrument, bool) {
	for _, in := range c.Instruments {
		if in.Name == name {
			return in, true
		}
	}
	return Instrument{}, false
}

// Options translates the bus settings into controller options.
func (b Bus) Options() ([]maglab.ControllerOption, error) {
	rt, err := maglab.ParseTerminator(b.ReadTerminator)
	if err != nil {
		return nil, err
	}
	wt, err := maglab.ParseTerminator(b.WriteTerminator)
	if err != nil {
		return nil, err
	}
	opts := []maglab.ControllerOption{
		maglab.WithReadTerminator(rt),
		maglab.WithWriteTerminator(wt),
	}
	if b.Timeout > 0 {
		opts = append(opts, maglab.WithTimeout(b.Timeout))
	}
	if b.WriteDelay > 0 {
		opts = append(opts, maglab.WithWriteDelay(b.WriteDelay))
	}
	if b.Debug {
		opts = append(opts, maglab.WithDebug())
	}
	if b.AR488 {
		opts = append(opts, maglab.WithAR488())
	}
	return opts, nil
}

// Logger builds a logrus logger from the log settings. The returned closer
// releases the log file, if one was opened.
func (l Log) Logger() (*logrus.Logger, func() error, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if l.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.000"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	}

	closer := func() error { return nil }
	switch l.Output {
	case "stdout":
		log.SetOutput(os.Stdout)
	case "file":
		if l.FilePath == "" {
			return nil, nil, errors.Wrap(maglab.ErrConfiguration, "log output file without file_path")
		}
		f, err := os.OpenFile(l.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		log.SetOutput(f)
		closer = f.Close
	default:
		log.SetOutput(os.Stderr)
	}
	return log, closer, nil
}
