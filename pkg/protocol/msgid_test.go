package protocol

import (
	"testing"
	"time"
)

func TestValidateMessageIDWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name   string
		skew   time.Duration
		wantOK bool
	}{
		{"current", 0, true},
		{"299s behind", -299 * time.Second, true},
		{"exactly 300s behind", -300 * time.Second, true},
		{"301s behind", -301 * time.Second, false},
		{"exactly 300s ahead", 300 * time.Second, true},
		{"301s ahead", 301 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := MessageIDAt(now.Add(tt.skew))
			err := ValidateMessageID(id, now)
			if tt.wantOK && err != nil {
				t.Errorf("ValidateMessageID() error = %v, want nil", err)
			}
			if !tt.wantOK && err != ErrStaleMessageID {
				t.Errorf("ValidateMessageID() error = %v, want ErrStaleMessageID", err)
			}
		})
	}
}

func TestGenerateMessageIDTimestamp(t *testing.T) {
	before := time.Now().Unix()
	id := GenerateMessageID()
	after := time.Now().Unix()

	ts := int64(id >> 32)
	if ts < before || ts > after {
		t.Errorf("embedded timestamp %d outside [%d, %d]", ts, before, after)
	}
}
