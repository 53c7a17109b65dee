package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	client, err := Connect(ctx, host+":"+port.Port(), "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	store := NewRedisStore(client, time.Hour)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for _, idx := range []int{1, 0, 2} {
		err := store.Append(ctx, StepRecord{
			SessionID: "sess-42",
			StepIndex: idx,
			Payload:   "step payload",
			Outcome:   "further_processing",
			CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("append %d: %v", idx, err)
		}
	}

	// Replays must not overwrite.
	if err := store.Append(ctx, StepRecord{SessionID: "sess-42", StepIndex: 0, Payload: "replayed", CreatedAt: created}); err != nil {
		t.Fatalf("replay append: %v", err)
	}

	records, err := store.Read(ctx, "sess-42")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.StepIndex != i {
			t.Fatalf("record %d has index %d", i, rec.StepIndex)
		}
	}
	if records[0].Payload != "step payload" {
		t.Fatalf("replay overwrote record: %+v", records[0])
	}

	if _, err := store.Read(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session err = %v", err)
	}
}
