package sensors

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

// ErrMissing is returned when no tier of the cache can produce a value.
var ErrMissing = errors.New("sensors: reading missing")

// Cache resolves sensor reads in three tiers: the live state-bus key,
// the last-good copy, then the DB history. Live reads are written
// through to last-good so the hold window starts from the newest value.
type Cache struct {
	bus          statebus.Bus
	conn         *sql.DB
	freshness    time.Duration
	lastGoodHold time.Duration
	dbLookback   time.Duration
	readDeadline time.Duration
}

func NewCache(bus statebus.Bus, conn *sql.DB, freshness, lastGoodHold, dbLookback, readDeadline time.Duration) *Cache {
	return &Cache{
		bus:          bus,
		conn:         conn,
		freshness:    freshness,
		lastGoodHold: lastGoodHold,
		dbLookback:   dbLookback,
		readDeadline: readDeadline,
	}
}

// Read resolves one sensor for a zone. The returned Reading carries its
// source and age so callers can apply their own freshness policy.
func (c *Cache) Read(ctx context.Context, zone model.Zone, name string, now time.Time) (model.Reading, error) {
	rctx, cancel := context.WithTimeout(ctx, c.readDeadline)
	defer cancel()

	value, ts, err := c.bus.GetSensor(rctx, name)
	if err == nil {
		age := now.Sub(ts)
		if age <= c.freshness {
			if werr := c.bus.SetLastGood(rctx, zone, name, value, ts); werr != nil {
				log.Warn().Err(werr).Str("sensor", name).Msg("Failed to write through last-good value")
			}
			return model.Reading{Value: value, Timestamp: ts, Source: model.SourceLive, Age: age}, nil
		}
	} else if !errors.Is(err, statebus.ErrNotFound) {
		log.Warn().Err(err).Str("sensor", name).Msg("Live sensor read failed, falling back")
	}

	value, ts, err = c.bus.GetLastGood(rctx, zone, name)
	if err == nil {
		age := now.Sub(ts)
		if age <= c.lastGoodHold {
			return model.Reading{Value: value, Timestamp: ts, Source: model.SourceLastGood, Age: age}, nil
		}
	} else if !errors.Is(err, statebus.ErrNotFound) {
		log.Warn().Err(err).Str("sensor", name).Msg("Last-good read failed, falling back to db")
	}

	if c.conn != nil {
		value, ts, err = db.LatestSensorReading(c.conn, name, c.dbLookback, now)
		if err == nil {
			return model.Reading{Value: value, Timestamp: ts, Source: model.SourceDB, Age: now.Sub(ts)}, nil
		}
	}

	return model.Reading{}, ErrMissing
}
