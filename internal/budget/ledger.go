package budget

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"
)

// ledgerLine is one metered unit of work as the external accounting tool
// writes it. Entries with a parent are sub-operations whose cost is already
// rolled up into their root entry.
type ledgerLine struct {
	At       time.Time `json:"at"`
	Cost     float64   `json:"cost"`
	ParentID string    `json:"parent_id,omitempty"`
}

// LedgerSource reads aggregate spend from a JSON Lines ledger file. It
// counts only root-level entries so nested sub-operation costs are never
// double-counted.
type LedgerSource struct {
	Path string
}

func (s LedgerSource) PeriodSpend(ctx context.Context, from, to time.Time) (float64, error) {
	if s.Path == "" {
		return 0, nil
	}
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var total float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var line ledgerLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue // skip torn/foreign lines
		}
		if line.ParentID != "" {
			continue
		}
		if line.At.Before(from) || !line.At.Before(to) {
			continue
		}
		total += line.Cost
	}
	return total, sc.Err()
}
