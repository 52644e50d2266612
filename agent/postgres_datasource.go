// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"database/sql"
	"time"

	"compliancecore/errkind"
	"compliancecore/model"
	"compliancecore/store"
)

// PostgresDataSource is the DataSource backed by the shared Store. It
// is the concrete read model for §4.4's CustomerProfile and
// TransactionHistory, following the same split the audittrail and
// ruleengine repositories draw: the agent package never issues SQL
// directly, only through this narrow interface.
type PostgresDataSource struct {
	s *store.Store
}

// NewPostgresDataSource wraps s.
func NewPostgresDataSource(s *store.Store) *PostgresDataSource {
	return &PostgresDataSource{s: s}
}

// GetCustomerProfile implements DataSource.
func (d *PostgresDataSource) GetCustomerProfile(ctx context.Context, customerID string) (model.CustomerProfile, error) {
	row := d.s.DB().QueryRowContext(ctx, `
		SELECT customer_id, aml_status, daily_limit, usual_country, risk_score, risk_score_updated
		FROM customer_profiles WHERE customer_id = $1`, customerID)

	var p model.CustomerProfile
	err := row.Scan(&p.CustomerID, &p.AMLStatus, &p.DailyLimit, &p.UsualCountry, &p.RiskScore, &p.RiskScoreUpdated)
	if err == sql.ErrNoRows {
		return model.CustomerProfile{}, &errkind.NotFoundError{Kind: "customer_profile", ID: customerID}
	}
	if err != nil {
		return model.CustomerProfile{}, &errkind.PersistenceError{Operation: "get_customer_profile", Cause: err}
	}
	return p, nil
}

// GetTransactionHistory implements DataSource.
func (d *PostgresDataSource) GetTransactionHistory(ctx context.Context, customerID string, window time.Duration) (model.TransactionHistory, error) {
	end := time.Now().UTC()
	start := end.Add(-window)

	rows, err := d.s.DB().QueryContext(ctx, `
		SELECT transaction_id, customer_id, amount, country, occurred_at
		FROM transactions
		WHERE customer_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at DESC`, customerID, start, end)
	if err != nil {
		return model.TransactionHistory{}, &errkind.PersistenceError{Operation: "get_transaction_history", Cause: err}
	}
	defer rows.Close()

	history := model.TransactionHistory{CustomerID: customerID, WindowStart: start, WindowEnd: end}
	for rows.Next() {
		var rec model.TransactionRecord
		if err := rows.Scan(&rec.TransactionID, &rec.CustomerID, &rec.Amount, &rec.Country, &rec.OccurredAt); err != nil {
			return model.TransactionHistory{}, &errkind.PersistenceError{Operation: "scan_transaction_record", Cause: err}
		}
		history.Transactions = append(history.Transactions, rec)
	}
	if err := rows.Err(); err != nil {
		return model.TransactionHistory{}, &errkind.PersistenceError{Operation: "scan_transaction_history", Cause: err}
	}
	return history, nil
}

// UpdateCustomerRiskProfile implements DataSource: the EMA-updated
// rolling risk score Transaction Guardian persists as the escalation
// side effect in spec §4.2.2.
func (d *PostgresDataSource) UpdateCustomerRiskProfile(ctx context.Context, customerID string, newRiskScore float64) error {
	return d.s.ExecRetry(ctx,
		`UPDATE customer_profiles SET risk_score = $2, risk_score_updated = $3 WHERE customer_id = $1`,
		customerID, newRiskScore, time.Now().UTC())
}
