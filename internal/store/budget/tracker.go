// Package budget keeps the daily per-client and global spend ledger.
package budget

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
)

// Caps are the configured daily USD ceilings.
type Caps struct {
	DefaultClientDailyUSD float64
	GlobalDailyUSD        float64
}

// Tracker accrues spend per (UTC date, client). Writes are synchronous;
// rollover is implicit via the date key.
type Tracker struct {
	db     *db.DB
	caps   Caps
	logger *logger.Logger
}

// NewTracker creates the budget tracker on the shared database.
func NewTracker(database *db.DB, caps Caps, log *logger.Logger) *Tracker {
	return &Tracker{
		db:     database,
		caps:   caps,
		logger: log.WithFields(zap.String("component", "budget-tracker")),
	}
}

// today returns the UTC calendar date key.
func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Check returns a human-readable exhaustion message when either the global
// cap or the client's cap (override from token claims, else the server
// default) is exceeded; "" otherwise.
func (t *Tracker) Check(client string, perClientOverride *float64) (string, error) {
	date := today()

	var global float64
	if err := t.db.Reader.Get(&global,
		`SELECT COALESCE(SUM(spent_usd), 0) FROM budget_records WHERE date = ?`, date); err != nil {
		return "", fmt.Errorf("failed to read global spend: %w", err)
	}
	if global > t.caps.GlobalDailyUSD {
		return fmt.Sprintf("daily global budget exhausted: $%.2f spent of $%.2f cap",
			global, t.caps.GlobalDailyUSD), nil
	}

	clientCap := t.caps.DefaultClientDailyUSD
	if perClientOverride != nil {
		clientCap = *perClientOverride
	}

	spent, err := t.SpentToday(client)
	if err != nil {
		return "", err
	}
	if spent > clientCap {
		return fmt.Sprintf("daily budget exhausted for %s: $%.2f spent of $%.2f cap",
			client, spent, clientCap), nil
	}
	return "", nil
}

// SpentToday returns the client's accrued spend for the current UTC date.
func (t *Tracker) SpentToday(client string) (float64, error) {
	var spent float64
	err := t.db.Reader.Get(&spent,
		`SELECT COALESCE(SUM(spent_usd), 0) FROM budget_records WHERE date = ? AND client_name = ?`,
		today(), client)
	if err != nil {
		return 0, fmt.Errorf("failed to read client spend: %w", err)
	}
	return spent, nil
}

// GlobalSpentToday returns the total accrued spend for the current UTC date.
func (t *Tracker) GlobalSpentToday() (float64, error) {
	var spent float64
	err := t.db.Reader.Get(&spent,
		`SELECT COALESCE(SUM(spent_usd), 0) FROM budget_records WHERE date = ?`, today())
	if err != nil {
		return 0, fmt.Errorf("failed to read global spend: %w", err)
	}
	return spent, nil
}

// RecordCost accrues usd for the client with additive upsert semantics.
func (t *Tracker) RecordCost(client string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	_, err := t.db.Writer.Exec(`
		INSERT INTO budget_records (date, client_name, spent_usd)
		VALUES (?, ?, ?)
		ON CONFLICT(date, client_name) DO UPDATE SET
			spent_usd = spent_usd + excluded.spent_usd`,
		today(), client, usd)
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}

// Snapshot summarizes today's ledger for health and stats endpoints.
type Snapshot struct {
	Date           string  `json:"date"`
	GlobalSpentUSD float64 `json:"global_spent_usd"`
	GlobalCapUSD   float64 `json:"global_cap_usd"`
	ClientCapUSD   float64 `json:"default_client_cap_usd"`
}

// Snapshot returns today's ledger summary.
func (t *Tracker) Snapshot() Snapshot {
	spent, err := t.GlobalSpentToday()
	if err != nil {
		t.logger.Warn("failed to read budget snapshot", zap.Error(err))
	}
	return Snapshot{
		Date:           today(),
		GlobalSpentUSD: spent,
		GlobalCapUSD:   t.caps.GlobalDailyUSD,
		ClientCapUSD:   t.caps.DefaultClientDailyUSD,
	}
}
