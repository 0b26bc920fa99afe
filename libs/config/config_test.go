package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("OUTBOX_RETRY_DELAY", "")
	d, err := Duration("OUTBOX_RETRY_DELAY", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("expected fallback 5m, got %s (err=%v)", d, err)
	}

	t.Setenv("OUTBOX_RETRY_DELAY", "90s")
	d, err = Duration("OUTBOX_RETRY_DELAY", 5*time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("expected 90s, got %s (err=%v)", d, err)
	}

	t.Setenv("OUTBOX_RETRY_DELAY", "soon")
	if _, err := Duration("OUTBOX_RETRY_DELAY", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestInt(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	n, err := Int("OUTBOX_BATCH_SIZE", 50)
	if err != nil || n != 25 {
		t.Fatalf("expected 25, got %d (err=%v)", n, err)
	}
	t.Setenv("OUTBOX_BATCH_SIZE", "-1")
	if _, err := Int("OUTBOX_BATCH_SIZE", 50); err == nil {
		t.Fatal("expected error for negative batch size")
	}
}

func TestTimeAndBool(t *testing.T) {
	t.Setenv("SCHEMA_LEGACY_CUTOVER", "2024-03-01T00:00:00Z")
	ts, err := Time("SCHEMA_LEGACY_CUTOVER")
	if err != nil {
		t.Fatalf("Time failed: %v", err)
	}
	if !ts.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutover: %s", ts)
	}

	t.Setenv("DB_APPLY_SCHEMA", "yes")
	if !Bool("DB_APPLY_SCHEMA", false) {
		t.Fatal("expected true")
	}
	t.Setenv("DB_APPLY_SCHEMA", "")
	if Bool("DB_APPLY_SCHEMA", false) {
		t.Fatal("expected fallback false")
	}
}
