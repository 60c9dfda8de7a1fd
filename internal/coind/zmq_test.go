package coind

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bardlex/hivepool/pkg/log"
)

func TestBlockNotificationHandler(t *testing.T) {
	var got []string
	h := NewBlockNotificationHandler(log.Discard(), func(hash string) error {
		got = append(got, hash)
		return nil
	})

	hash := bytes.Repeat([]byte{0xab}, 31)
	hash = append([]byte{0x00}, hash...)

	tests := []struct {
		name    string
		topic   string
		data    []byte
		wantErr bool
		calls   int
	}{
		{"hashblock", TopicHashBlock, hash, false, 1},
		{"short hash", TopicHashBlock, hash[:31], true, 1},
		{"other topic", "hashtx", hash, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.HandleMessage(tt.topic, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.calls {
				t.Errorf("callback ran %d times, want %d", len(got), tt.calls)
			}
		})
	}

	if got[0][:4] != "00ab" {
		t.Errorf("hash %s not in publisher order", got[0])
	}
}

func TestBlockNotificationHandlerPropagatesCallbackError(t *testing.T) {
	boom := errors.New("refresh failed")
	h := NewBlockNotificationHandler(log.Discard(), func(string) error { return boom })

	if err := h.HandleMessage(TopicHashBlock, make([]byte, 32)); !errors.Is(err, boom) {
		t.Errorf("HandleMessage() error = %v, want %v", err, boom)
	}
}
