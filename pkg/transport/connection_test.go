package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestConnection(t *testing.T, wg *sync.WaitGroup) *Connection {
	t.Helper()
	return NewConnection(context.Background(), wg, nil, ConnectionConfig{}, nil, nil, testLogger())
}

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	var wg sync.WaitGroup
	conn := newTestConnection(t, &wg)

	conn.Close(nil)
	<-conn.Done()

	for i := 0; i < 1000; i++ {
		conn.Send([]byte(`{"type":"TASK_UPDATE"}`))
	}
	wg.Wait()
}

func TestSendConcurrentWithClose(t *testing.T) {
	for i := 0; i < 100; i++ {
		var wg sync.WaitGroup
		conn := newTestConnection(t, &wg)

		var senders sync.WaitGroup
		for s := 0; s < 4; s++ {
			senders.Add(1)
			go func() {
				defer senders.Done()
				for j := 0; j < 50; j++ {
					conn.Send([]byte("payload"))
				}
			}()
		}
		conn.Close(nil)
		senders.Wait()
		wg.Wait()
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var wg sync.WaitGroup
	closes := 0
	conn := NewConnection(context.Background(), &wg, nil, ConnectionConfig{}, nil, func(connID uuid.UUID, err error) {
		closes++
	}, testLogger())

	conn.Close(nil)
	conn.Close(nil)
	conn.CloseWithCode(1001, "going away")
	<-conn.Done()

	if closes != 1 {
		t.Errorf("expected onClose to fire once, fired %d times", closes)
	}
	if conn.Open() {
		t.Error("expected connection to report closed")
	}
}
