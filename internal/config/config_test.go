package config

import (
	"testing"
)

func TestParse(t *testing.T) {
	data := []byte(`
arenaBytes: 2097152
queueSizeCap: 128
mmioWindows:
  - base: 0x10001000
    size: 0x200
    line: 7
  - base: 0x10002000
    line: 8
probePCI: true
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ArenaBytes != 2097152 {
		t.Errorf("ArenaBytes = %d", c.ArenaBytes)
	}
	if c.QueueSizeCap != 128 {
		t.Errorf("QueueSizeCap = %d", c.QueueSizeCap)
	}
	if len(c.MMIOWindows) != 2 {
		t.Fatalf("MMIOWindows = %d entries", len(c.MMIOWindows))
	}
	if c.MMIOWindows[0].Base != 0x10001000 || c.MMIOWindows[0].Line != 7 {
		t.Errorf("window 0 = %+v", c.MMIOWindows[0])
	}
	// Omitted window size gets the default register window span.
	if c.MMIOWindows[1].Size != 0x200 {
		t.Errorf("window 1 size = %#x, want 0x200", c.MMIOWindows[1].Size)
	}
	if !c.ProbePCI {
		t.Error("ProbePCI = false")
	}
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ArenaBytes != DefaultArenaBytes {
		t.Errorf("ArenaBytes = %d, want default", c.ArenaBytes)
	}
	if c.QueueSizeCap != 0 {
		t.Errorf("QueueSizeCap = %d, want 0 (device maximum)", c.QueueSizeCap)
	}
}

func TestParseRejectsBadQueueCap(t *testing.T) {
	if _, err := Parse([]byte("queueSizeCap: 100")); err == nil {
		t.Fatal("Parse accepted a non-power-of-two queue cap")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("queueSizeCpa: 64")); err == nil {
		t.Fatal("Parse accepted a misspelled field")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("arenaBytes: [unclosed")); err == nil {
		t.Fatal("Parse accepted malformed YAML")
	}
}
