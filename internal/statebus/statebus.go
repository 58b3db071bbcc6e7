package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("statebus: key not found")

const (
	sensorTTL    = 10 * time.Second
	pidParamsTTL = 300 * time.Second
	eventStream  = "events"
	eventMaxLen  = 100_000
)

// Bus is the narrow contract the control core has with the real-time
// state store. The ingestion services write the live sensor keys; the
// core reads them and owns last-good, pid params, mode and failsafe
// keys, heartbeats, and the unified event stream.
type Bus interface {
	GetSensor(ctx context.Context, name string) (value float64, ts time.Time, err error)
	GetLastGood(ctx context.Context, zone model.Zone, name string) (value float64, ts time.Time, err error)
	SetLastGood(ctx context.Context, zone model.Zone, name string, value float64, ts time.Time) error
	GetPIDParams(ctx context.Context, deviceType string) (*model.PIDParams, error)
	SetPIDParams(ctx context.Context, deviceType string, p model.PIDParams) error
	SetSetpoints(ctx context.Context, zone model.Zone, phase model.Phase, sp model.Setpoints) error
	SetZoneMode(ctx context.Context, zone model.Zone, mode model.ZoneMode, source string) error
	SetFailsafe(ctx context.Context, zone model.Zone, active bool, reason string) error
	Heartbeat(ctx context.Context, component string) error
	AppendEvent(ctx context.Context, fields map[string]interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisBus is the production Bus backed by go-redis.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(cfg config.StateBus) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("state bus connection failed: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to state bus")
	return &RedisBus{client: client}, nil
}

// NewRedisBusWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) GetSensor(ctx context.Context, name string) (float64, time.Time, error) {
	raw, err := b.client.Get(ctx, "sensor:"+name).Result()
	if err == redis.Nil {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get sensor %s: %w", name, err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("sensor %s has malformed value %q: %w", name, raw, err)
	}

	rawTS, err := b.client.Get(ctx, "sensor:"+name+":ts").Result()
	if err == redis.Nil {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get sensor %s timestamp: %w", name, err)
	}
	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("sensor %s has malformed timestamp %q: %w", name, rawTS, err)
	}
	return value, time.UnixMilli(ms), nil
}

type lastGoodEntry struct {
	Value float64 `json:"value"`
	TS    int64   `json:"ts"` // unix ms
}

func lastGoodKey(zone model.Zone, name string) string {
	return fmt.Sprintf("lastgood:%s:%s:%s", zone.Location, zone.Cluster, name)
}

func (b *RedisBus) GetLastGood(ctx context.Context, zone model.Zone, name string) (float64, time.Time, error) {
	raw, err := b.client.Get(ctx, lastGoodKey(zone, name)).Bytes()
	if err == redis.Nil {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get last-good %s/%s: %w", zone, name, err)
	}
	var entry lastGoodEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, time.Time{}, fmt.Errorf("last-good %s/%s malformed: %w", zone, name, err)
	}
	return entry.Value, time.UnixMilli(entry.TS), nil
}

func (b *RedisBus) SetLastGood(ctx context.Context, zone model.Zone, name string, value float64, ts time.Time) error {
	data, _ := json.Marshal(lastGoodEntry{Value: value, TS: ts.UnixMilli()})
	if err := b.client.Set(ctx, lastGoodKey(zone, name), data, 0).Err(); err != nil {
		return fmt.Errorf("set last-good %s/%s: %w", zone, name, err)
	}
	return nil
}

func (b *RedisBus) GetPIDParams(ctx context.Context, deviceType string) (*model.PIDParams, error) {
	raw, err := b.client.Get(ctx, "pid:params:"+deviceType).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pid params %s: %w", deviceType, err)
	}
	var p model.PIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pid params %s malformed: %w", deviceType, err)
	}
	return &p, nil
}

func (b *RedisBus) SetPIDParams(ctx context.Context, deviceType string, p model.PIDParams) error {
	data, _ := json.Marshal(p)
	if err := b.client.Set(ctx, "pid:params:"+deviceType, data, pidParamsTTL).Err(); err != nil {
		return fmt.Errorf("set pid params %s: %w", deviceType, err)
	}
	return nil
}

func (b *RedisBus) SetSetpoints(ctx context.Context, zone model.Zone, phase model.Phase, sp model.Setpoints) error {
	data, _ := json.Marshal(sp)
	key := fmt.Sprintf("setpoint:%s:%s", zone, phase)
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set setpoints %s/%s: %w", zone, phase, err)
	}
	return nil
}

func (b *RedisBus) SetZoneMode(ctx context.Context, zone model.Zone, mode model.ZoneMode, source string) error {
	data, _ := json.Marshal(map[string]string{"mode": string(mode), "source": source})
	if err := b.client.Set(ctx, "mode:"+zone.String(), data, 0).Err(); err != nil {
		return fmt.Errorf("set zone mode %s: %w", zone, err)
	}
	return nil
}

func (b *RedisBus) SetFailsafe(ctx context.Context, zone model.Zone, active bool, reason string) error {
	data, _ := json.Marshal(map[string]interface{}{"active": active, "reason": reason})
	if err := b.client.Set(ctx, "failsafe:"+zone.String(), data, 0).Err(); err != nil {
		return fmt.Errorf("set failsafe %s: %w", zone, err)
	}
	return nil
}

func (b *RedisBus) Heartbeat(ctx context.Context, component string) error {
	key := "heartbeat:" + component
	value := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := b.client.Set(ctx, key, value, sensorTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", component, err)
	}
	return nil
}

func (b *RedisBus) AppendEvent(ctx context.Context, fields map[string]interface{}) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: eventMaxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
