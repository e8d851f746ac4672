package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatcher/internal/logging"
	"github.com/example/ride-dispatcher/internal/models"
)

// fakeUpdater fails the first fail calls with err.
type fakeUpdater struct {
	mu    sync.Mutex
	fail  int
	err   error
	calls int
	last  models.Location
}

func (f *fakeUpdater) UpdateLocation(id string, loc models.Location) (models.DriverView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return models.DriverView{}, f.err
	}
	f.last = loc
	return models.DriverView{ID: id, Location: loc}, nil
}

func (f *fakeUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2, err: errors.New("index down")}
	start := time.Now()
	err := applyWithRetry(context.Background(), f, LocationUpdate{DriverID: "D-1", Lat: 1, Lng: 2}, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.last != (models.Location{Lat: 1, Lng: 2}) {
		t.Fatalf("unexpected location %+v", f.last)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5, err: models.ErrInvalidState}
	if err := applyWithRetry(context.Background(), f, LocationUpdate{DriverID: "D-1"}, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestApplyWithRetry_PermanentErrorsNotRetried(t *testing.T) {
	f := &fakeUpdater{fail: 5, err: models.ErrNotFound}
	if err := applyWithRetry(context.Background(), f, LocationUpdate{DriverID: "D-9"}, 3, time.Millisecond); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.calls)
	}
}

type fakeReader struct {
	msgs []kafka.Message
	err  error
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		return m, nil
	}
	if r.err != nil {
		err := r.err
		r.err = nil
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error { return nil }

func TestLocationConsumerAppliesValidMessages(t *testing.T) {
	good, _ := json.Marshal(LocationUpdate{DriverID: "D-1", Lat: 28.6, Lng: 77.2})
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: []byte("not json")},
		{Value: []byte(`{"lat":1,"lng":2}`)},
		{Value: good},
	}}
	f := &fakeUpdater{}
	c := &LocationConsumer{reader: reader, updater: f, logger: logging.Discard(), attempts: 3, delay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for f.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("expected only the valid message applied, got %d calls", f.count())
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaProducerKeysByRide(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	ev := models.RideEvent{RideID: "R-7", From: models.RideRequested, To: models.RideDriverPinged}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "R-7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.RideEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.To != models.RideDriverPinged {
		t.Fatalf("unexpected payload %s (%v)", w.msgs[0].Value, err)
	}
}
