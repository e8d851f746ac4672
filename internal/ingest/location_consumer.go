package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatcher/internal/models"
	"github.com/example/ride-dispatcher/internal/observability"
)

// LocationUpdate is one driver position report on the locations topic.
type LocationUpdate struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// LocationUpdater applies a position to a registered driver.
type LocationUpdater interface {
	UpdateLocation(driverID string, loc models.Location) (models.DriverView, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

const maxReadBackoff = 30 * time.Second

// LocationConsumer streams driver positions from Kafka into the driver
// registry and geo index.
type LocationConsumer struct {
	reader   messageReader
	updater  LocationUpdater
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, updater LocationUpdater, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return &LocationConsumer{reader: r, updater: updater, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially.
func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	var upd LocationUpdate
	if err := json.Unmarshal(m.Value, &upd); err != nil || upd.DriverID == "" {
		observability.LocationUpdates.WithLabelValues("malformed").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	if err := applyWithRetry(ctx, c.updater, upd, c.attempts, c.delay); err != nil {
		c.logger.Error("location update failed", "driver_id", upd.DriverID, "error", err)
	}
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }

// applyWithRetry retries transient failures such as lock contention or an
// unreachable index. Unknown drivers and bad coordinates are not retried.
func applyWithRetry(ctx context.Context, u LocationUpdater, upd LocationUpdate, attempts int, delay time.Duration) error {
	loc := models.Location{Lat: upd.Lat, Lng: upd.Lng}
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = u.UpdateLocation(upd.DriverID, loc); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
