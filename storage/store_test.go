package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestIsNotFound(t *testing.T) {
	if !isNotFound(jetstream.ErrKeyNotFound) {
		t.Error("bare sentinel should match")
	}
	if !isNotFound(fmt.Errorf("get row: %w", jetstream.ErrKeyNotFound)) {
		t.Error("wrapped sentinel should match")
	}
	if isNotFound(errors.New("nats: key not found")) {
		t.Error("message text alone should not match")
	}
	if isNotFound(nil) {
		t.Error("nil is not a miss")
	}
}
