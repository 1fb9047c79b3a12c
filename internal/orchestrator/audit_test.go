package orchestrator

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLoggerWritesPerSessionNDJSON(t *testing.T) {
	dir := t.TempDir()
	l, err := NewAuditLogger(AuditConfig{Enabled: true, Dir: dir, QueueSize: 16}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	l.LogEvent("u1", Envelope{
		Type:      EventPlan,
		SessionID: "sess-1",
		Seq:       1,
		Data:      PlanEvent{TotalSteps: 2},
	})
	l.LogEvent("u1", Envelope{
		Type:      EventComplete,
		SessionID: "sess-1",
		Seq:       2,
		Data:      CompleteEvent{StepsCompleted: 2, TotalSteps: 2},
	})

	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close audit logger: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "sess-1.ndjson"))
	if err != nil {
		t.Fatalf("Failed to open audit file: %v", err)
	}
	defer f.Close()

	var records []AuditRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Failed to parse audit line: %v", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Failed to scan audit file: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 audit records, got %d", len(records))
	}
	if records[0].EventType != EventPlan || records[0].Seq != 1 {
		t.Errorf("Unexpected first record: %+v", records[0])
	}
	if records[1].EventType != EventComplete || records[1].Seq != 2 {
		t.Errorf("Unexpected second record: %+v", records[1])
	}
	if records[0].UserID != "u1" || records[0].SessionID != "sess-1" {
		t.Errorf("Unexpected record identity: %+v", records[0])
	}
	if records[0].Timestamp == "" {
		t.Error("Expected timestamp to be set")
	}
}

func TestAuditLoggerDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	l, err := NewAuditLogger(AuditConfig{Enabled: false, Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create audit logger: %v", err)
	}

	l.LogEvent("u1", Envelope{Type: EventPlan, SessionID: "sess-1", Seq: 1})
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close audit logger: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read audit dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no audit files when disabled, got %d", len(entries))
	}
}
