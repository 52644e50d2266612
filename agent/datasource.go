// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"time"

	"compliancecore/model"
)

// DataSource is the external read model every agent's DATA_RETRIEVAL
// step consults (spec §4.2 step 1, §4.4's CustomerProfile/
// TransactionHistory read models).
type DataSource interface {
	GetCustomerProfile(ctx context.Context, customerID string) (model.CustomerProfile, error)
	GetTransactionHistory(ctx context.Context, customerID string, window time.Duration) (model.TransactionHistory, error)

	// UpdateCustomerRiskProfile persists the EMA-updated rolling risk
	// score for a customer (spec §4.2.2's escalation side effect).
	UpdateCustomerRiskProfile(ctx context.Context, customerID string, newRiskScore float64) error
}

// fallbackProfile is the conservative default substituted when the
// breaker guarding DataSource is open (spec §4.2 step 1: "substitute a
// fallback profile / empty history with conservative defaults").
func fallbackProfile(customerID string) model.CustomerProfile {
	return model.CustomerProfile{
		CustomerID: customerID,
		AMLStatus:  "unknown",
		DailyLimit: 0,
		RiskScore:  0.5,
	}
}

func fallbackHistory(customerID string, window time.Duration) model.TransactionHistory {
	now := time.Now().UTC()
	return model.TransactionHistory{
		CustomerID:  customerID,
		WindowStart: now.Add(-window),
		WindowEnd:   now,
	}
}
