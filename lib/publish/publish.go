// Package publish pushes instrument reading snapshots to Redis: each
// snapshot is published on a channel and kept in a capped per-instrument
// history list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultHistory is how many snapshots each history list keeps.
const DefaultHistory = 1000

// Snapshot is one set of readings from one instrument.
type Snapshot struct {
	Instrument string             `json:"instrument"`
	Model      string             `json:"model"`
	Time       time.Time          `json:"time"`
	Values     map[string]float64 `json:"values,omitempty"`
	Status     string             `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Client is the part of a Redis client the publisher uses. *redis.Client
// satisfies it.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Options configures a Publisher.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Channel  string
	History  int // list length per instrument; 0 means DefaultHistory
}

// Publisher sends snapshots. It is safe for concurrent use.
type Publisher struct {
	client  Client
	channel string
	history int64
	log     logrus.FieldLogger
}

// Dial connects to Redis and checks the connection with PING.
func Dial(ctx context.Context, o Options, log logrus.FieldLogger) (*Publisher, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
		PoolSize: o.PoolSize,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "connecting to redis at %s", o.Addr)
	}
	p := New(rc, o, log)
	p.log.Infof("redis connected at %s, channel %s", o.Addr, p.channel)
	return p, nil
}

// New wraps an existing client.
func New(c Client, o Options, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if o.Channel == "" {
		o.Channel = "maglab"
	}
	if o.History <= 0 {
		o.History = DefaultHistory
	}
	return &Publisher{client: c, channel: o.Channel, history: int64(o.History), log: log}
}

// HistoryKey is the list holding the recent snapshots of instrument.
func HistoryKey(instrument string) string {
	return fmt.Sprintf("maglab:%s:readings", instrument)
}

// Publish sends s on the channel and prepends it to the history list. A
// failed history write is logged, not returned.
func (p *Publisher) Publish(ctx context.Context, s Snapshot) error {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return errors.Wrapf(err, "publishing to %s", p.channel)
	}
	key := HistoryKey(s.Instrument)
	if err := p.client.LPush(ctx, key, b).Err(); err != nil {
		p.log.Warnf("saving to %s: %s", key, err)
		return nil
	}
	if err := p.client.LTrim(ctx, key, 0, p.history-1).Err(); err != nil {
		p.log.Warnf("trimming %s: %s", key, err)
	}
	return nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
