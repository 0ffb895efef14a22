package execution

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// EntrySplitRow and ExitSplitRow are one audit-log line per slice (spec
// section 6: "one row per slice with timestamp, symbol, quantity, prices,
// pnl, usdt rate").
type EntrySplitRow struct {
	TimestampMs  int64
	Symbol       string
	Quantity     float64
	KoreanPrice  float64
	ForeignPrice float64
	UsdtRate     float64
	Premium      float64
}

type ExitSplitRow struct {
	TimestampMs  int64
	Symbol       string
	Quantity     float64
	KoreanPrice  float64
	ForeignPrice float64
	UsdtRate     float64
	PnlKRW       float64
}

var entrySplitHeader = []string{"timestamp_ms", "symbol", "quantity", "korean_price", "foreign_price", "usdt_rate", "premium"}
var exitSplitHeader = []string{"timestamp_ms", "symbol", "quantity", "korean_price", "foreign_price", "usdt_rate", "pnl_krw"}

// AuditLog writes the two append-only CSV trails named in spec section 6
// (trade_logs/entry_splits.csv, trade_logs/exit_splits.csv), writing the
// header only on first creation. Grounded on the retrieval pack's
// encoding/csv usage in sawpanic-cryptorun's internal/artifacts/writer.go,
// adapted from that package's atomic-rewrite style to a plain append since
// an audit trail must never be rewritten, only grown.
type AuditLog struct {
	mu sync.Mutex

	entryPath string
	exitPath  string
}

// NewAuditLog builds an AuditLog rooted at dir (spec section 6's
// "trade_logs/" directory).
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ensure trade log dir: %w", err)
	}
	return &AuditLog{
		entryPath: filepath.Join(dir, "entry_splits.csv"),
		exitPath:  filepath.Join(dir, "exit_splits.csv"),
	}, nil
}

func (a *AuditLog) appendRow(path string, header, row []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := os.Stat(path)
	needsHeader := os.IsNotExist(err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write audit header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// WriteEntrySplit appends one entry-slice row. Errors are the caller's to
// decide whether to treat as fatal; the execution controller logs and
// continues (an audit-log failure must not abort a live hedge).
func (a *AuditLog) WriteEntrySplit(row EntrySplitRow) error {
	return a.appendRow(a.entryPath, entrySplitHeader, []string{
		strconv.FormatInt(row.TimestampMs, 10),
		row.Symbol,
		strconv.FormatFloat(row.Quantity, 'f', -1, 64),
		strconv.FormatFloat(row.KoreanPrice, 'f', -1, 64),
		strconv.FormatFloat(row.ForeignPrice, 'f', -1, 64),
		strconv.FormatFloat(row.UsdtRate, 'f', -1, 64),
		strconv.FormatFloat(row.Premium, 'f', -1, 64),
	})
}

// WriteExitSplit appends one exit-slice row.
func (a *AuditLog) WriteExitSplit(row ExitSplitRow) error {
	return a.appendRow(a.exitPath, exitSplitHeader, []string{
		strconv.FormatInt(row.TimestampMs, 10),
		row.Symbol,
		strconv.FormatFloat(row.Quantity, 'f', -1, 64),
		strconv.FormatFloat(row.KoreanPrice, 'f', -1, 64),
		strconv.FormatFloat(row.ForeignPrice, 'f', -1, 64),
		strconv.FormatFloat(row.UsdtRate, 'f', -1, 64),
		strconv.FormatFloat(row.PnlKRW, 'f', -1, 64),
	})
}
