package ipr

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
)

// These tests pin the exact Redis commands the heartbeat path issues, so a
// refactor that changes key shape or TTL shows up as a mock expectation
// failure rather than a silent liveness bug. Command-level behavior is
// covered against a real (mini)redis in ipr_test.go.

func TestRecordHeartbeat_SetsKeyWithTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := New(db, nil)

	mock.ExpectSet(heartbeatKey("inst-1"), "alive", heartbeatTTL).SetVal("OK")
	if err := reg.RecordHeartbeat(context.Background(), "inst-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations not met: %v", err)
	}
}

func TestIsAlive_PropagatesRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := New(db, nil)

	mock.ExpectExists(heartbeatKey("inst-1")).SetErr(errors.New("connection reset"))
	alive, err := reg.IsAlive(context.Background(), "inst-1")
	if err == nil {
		t.Fatal("expected a redis failure to surface, not default to dead")
	}
	if alive {
		t.Fatal("an errored liveness check must not report alive")
	}
}

func TestRegisterInPool_UsesRegistrySet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := New(db, nil)

	mock.ExpectSAdd(registryKey("p"), "inst-1").SetVal(1)
	if err := reg.RegisterInPool(context.Background(), "p", "inst-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mock.ExpectSRem(registryKey("p"), "inst-1").SetVal(1)
	if err := reg.DeregisterFromPool(context.Background(), "p", "inst-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations not met: %v", err)
	}
}
