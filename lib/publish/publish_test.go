package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeRedis struct {
	published map[string][][]byte
	lists     map[string][][]byte
	trims     []int64
	pushErr   error
	pubErr    error
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][][]byte{}, lists: map[string][][]byte{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if f.pubErr != nil {
		return redis.NewIntResult(0, f.pubErr)
	}
	f.published[channel] = append(f.published[channel], message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.lists[key] = append([][]byte{v.([]byte)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.trims = append(f.trims, stop)
	if l := f.lists[key]; int64(len(l)) > stop+1 {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	is := is.New(t)
	f := newFakeRedis()
	log, _ := test.NewNullLogger()
	p := New(f, Options{Channel: "lab", History: 2}, log)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		is.NoErr(p.Publish(ctx, Snapshot{
			Instrument: "ilm",
			Model:      "ILM",
			Time:       at.Add(time.Duration(i) * time.Second),
			Values:     map[string]float64{"channel 1 level": 70 + float64(i)},
		}))
	}
	is.Equal(len(f.published["lab"]), 3)
	is.Equal(len(f.lists[HistoryKey("ilm")]), 2)
	is.Equal(f.trims, []int64{1, 1, 1})

	var newest Snapshot
	is.NoErr(json.Unmarshal(f.lists[HistoryKey("ilm")][0], &newest))
	is.Equal(newest.Values["channel 1 level"], 72.0)
	is.True(newest.Time.Equal(at.Add(2 * time.Second)))

	is.NoErr(p.Close())
	is.True(f.closed)
}

func TestPublishDefaults(t *testing.T) {
	is := is.New(t)
	f := newFakeRedis()
	p := New(f, Options{}, nil)
	is.NoErr(p.Publish(context.Background(), Snapshot{Instrument: "itc", Error: "device not responding"}))
	is.Equal(len(f.published["maglab"]), 1)
	is.Equal(f.trims, []int64{DefaultHistory - 1})

	var s Snapshot
	is.NoErr(json.Unmarshal(f.published["maglab"][0], &s))
	is.True(!s.Time.IsZero())
	is.Equal(s.Error, "device not responding")
	is.Equal(HistoryKey("itc"), "maglab:itc:readings")
}

func TestPublishErrors(t *testing.T) {
	is := is.New(t)
	log, hook := test.NewNullLogger()

	f := newFakeRedis()
	f.pubErr = errors.New("connection refused")
	p := New(f, Options{}, log)
	is.True(p.Publish(context.Background(), Snapshot{Instrument: "ips"}) != nil)

	f = newFakeRedis()
	f.pushErr = errors.New("OOM")
	p = New(f, Options{}, log)
	is.NoErr(p.Publish(context.Background(), Snapshot{Instrument: "ips"}))
	is.Equal(len(f.trims), 0)
	is.Equal(len(hook.AllEntries()), 1)
}
