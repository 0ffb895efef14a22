package execution

import (
	"encoding/csv"
	"os"
	"testing"
)

func TestAuditLog_WritesHeaderOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := audit.WriteEntrySplit(EntrySplitRow{
			TimestampMs: int64(i),
			Symbol:      "BTC/KRW",
			Quantity:    0.001,
		}); err != nil {
			t.Fatalf("WriteEntrySplit: %v", err)
		}
	}

	f, err := os.Open(audit.entryPath)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 1 header row + 3 data rows, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp_ms" {
		t.Fatalf("expected header row first, got %v", rows[0])
	}
}

func TestAuditLog_EntryAndExitAreSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	if err := audit.WriteEntrySplit(EntrySplitRow{Symbol: "BTC/KRW"}); err != nil {
		t.Fatalf("WriteEntrySplit: %v", err)
	}
	if err := audit.WriteExitSplit(ExitSplitRow{Symbol: "BTC/KRW"}); err != nil {
		t.Fatalf("WriteExitSplit: %v", err)
	}

	if audit.entryPath == audit.exitPath {
		t.Fatalf("expected distinct entry/exit audit paths")
	}
	if _, err := os.Stat(audit.entryPath); err != nil {
		t.Fatalf("expected entry audit file to exist: %v", err)
	}
	if _, err := os.Stat(audit.exitPath); err != nil {
		t.Fatalf("expected exit audit file to exist: %v", err)
	}
}
