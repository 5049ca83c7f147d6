// Package types defines the domain model, enums, and error types shared by
// every layer of the settlement engine. All monetary amounts are integer
// cents; all timestamps are UTC.
package types

import "time"

// Commitment is one user's usage-limit agreement for one week. Created when
// the user locks in a commitment and immutable afterwards except for status
// and monitoring-revocation metadata. Rows are never deleted, only superseded
// by the next week's commitment.
//
// WeekEndDate carries the legacy column name week_end_date but semantically
// is the settlement deadline for the week.
type Commitment struct {
	ID                   string           `json:"id"`
	UserID               string           `json:"user_id"`
	WeekKey              string           `json:"week_key"`
	WeekEndDate          time.Time        `json:"week_end_date"`
	GraceExpiresAt       *time.Time       `json:"grace_expires_at,omitempty"`
	SavedPaymentMethodID *string          `json:"saved_payment_method_id,omitempty"`
	MaxChargeCents       int64            `json:"max_charge_cents"`
	LimitMinutes         int              `json:"limit_minutes"`
	PenaltyRateCents     int64            `json:"penalty_rate_cents"`
	Status               CommitmentStatus `json:"status"`
	MonitoringRevoked    bool             `json:"monitoring_revoked"`
	MonitoringRevokedAt  *time.Time       `json:"monitoring_revoked_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// UserWeekPenalty is the per-user, per-week financial ledger row. Created
// lazily at first settlement attempt (upsert semantics) and mutated only by
// the settlement engine and the reconciliation worker. Never deleted.
//
// Invariant: ChargedAmountCents never exceeds the owning commitment's
// MaxChargeCents.
type UserWeekPenalty struct {
	UserID                   string           `json:"user_id"`
	WeekKey                  string           `json:"week_key"`
	TotalPenaltyCents        int64            `json:"total_penalty_cents"`
	Status                   SettlementStatus `json:"status"`
	ChargedAmountCents       int64            `json:"charged_amount_cents"`
	ActualAmountCents        *int64           `json:"actual_amount_cents,omitempty"`
	RefundAmountCents        int64            `json:"refund_amount_cents"`
	ChargeTxnID              *string          `json:"charge_txn_id,omitempty"`
	RefundTxnID              *string          `json:"refund_txn_id,omitempty"`
	ChargedAt                *time.Time       `json:"charged_at,omitempty"`
	RefundedAt               *time.Time       `json:"refunded_at,omitempty"`
	NeedsReconciliation      bool             `json:"needs_reconciliation"`
	ReconciliationDeltaCents int64            `json:"reconciliation_delta_cents"`
	ReconciliationReason     string           `json:"reconciliation_reason,omitempty"`
	DetectedAt               *time.Time       `json:"detected_at,omitempty"`
}

// Payment is an immutable append-only ledger entry recording one processor
// transaction. RelatedTxnID links a refund or adjustment to the original
// charge. Rows are never mutated or deleted.
type Payment struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	WeekKey        string      `json:"week_key"`
	Type           PaymentType `json:"type"`
	AmountCents    int64       `json:"amount_cents"`
	Currency       string      `json:"currency"`
	ProcessorTxnID string      `json:"processor_txn_id"`
	RelatedTxnID   *string     `json:"related_txn_id,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// User is the identity projection this engine needs. Owned by the
// authentication/billing subsystem; strictly read-only here.
type User struct {
	ID               string  `json:"id"`
	StripeCustomerID *string `json:"stripe_customer_id,omitempty"`
	HasPaymentMethod bool    `json:"has_payment_method"`
}

// SettlementCandidate is one user's one commitment for one week, joined with
// its ledger and usage state. Evaluated once per run; never persisted.
type SettlementCandidate struct {
	Commitment Commitment
	User       User
	// Penalty is nil until the first settlement attempt upserts the row.
	Penalty *UserWeekPenalty
	// UsedMinutes is the aggregated synced screen time for the week. For a
	// commitment with revoked monitoring it only covers the span before
	// revocation.
	UsedMinutes   int64
	UsageRowCount int
}

// ReconciliationCandidate is the joined view of a penalty row flagged
// needs_reconciliation, plus its user and commitment. Exists only transiently
// during a reconciliation run.
type ReconciliationCandidate struct {
	Penalty    UserWeekPenalty
	User       User
	Commitment Commitment
}

// CandidateFailure records a per-candidate failure for the run summary.
type CandidateFailure struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// RunSummary is the structured result of one settlement or reconciliation
// batch. It is the only externally visible contract of a run: stable enough
// for an operator or dashboard to diagnose a failed run without database
// access.
type RunSummary struct {
	WeekKey   string              `json:"week_key,omitempty"`
	DryRun    bool                `json:"dry_run,omitempty"`
	Processed int                 `json:"processed"`
	Charged   int                 `json:"charged"`
	Refunded  int                 `json:"refunded"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Outcomes  map[OutcomeKind]int `json:"outcomes"`
	Failures  []CandidateFailure  `json:"failures,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration_ms"`
}

// NewRunSummary returns an empty summary with the outcome map initialized.
func NewRunSummary(weekKey string, startedAt time.Time) *RunSummary {
	return &RunSummary{
		WeekKey:   weekKey,
		Outcomes:  make(map[OutcomeKind]int),
		StartedAt: startedAt,
	}
}

// Record tallies one candidate outcome into the summary. Charged counts
// processor charge transactions; settled_zero is a skip because no processor
// call happens.
func (s *RunSummary) Record(kind OutcomeKind) {
	s.Outcomes[kind]++
	s.Processed++
	switch kind {
	case OutcomeChargedActual, OutcomeChargedWorstCase, OutcomeAdditionalCharge:
		s.Charged++
	case OutcomeRefundIssued:
		s.Refunded++
	case OutcomeAlreadySettled, OutcomeGraceNotExpired, OutcomeSettledZero,
		OutcomeZeroDelta, OutcomeSkippedWithReason, OutcomeDryRun:
		s.Skipped++
	case OutcomeChargeFailed, OutcomeMissingPrerequisite, OutcomeLedgerMismatch,
		OutcomeInternalError:
		s.Failed++
	}
}

// Fail tallies a failed outcome together with its per-candidate reason.
func (s *RunSummary) Fail(kind OutcomeKind, userID, reason string) {
	s.Record(kind)
	s.Failures = append(s.Failures, CandidateFailure{UserID: userID, Reason: reason})
}

// OutcomeRecord is one audit-trail line describing what a run did to one
// candidate. Serialized as NDJSON into the compressed audit archive.
type OutcomeRecord struct {
	Run         string      `json:"run"`
	WeekKey     string      `json:"week_key"`
	UserID      string      `json:"user_id"`
	Outcome     OutcomeKind `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	AmountCents int64       `json:"amount_cents,omitempty"`
	TxnID       string      `json:"txn_id,omitempty"`
	At          time.Time   `json:"at"`
}

// ReconcileTriggerMessage is the payload enqueued when a late usage sync
// flags a penalty row for reconciliation.
type ReconcileTriggerMessage struct {
	UserID     string    `json:"user_id"`
	WeekKey    string    `json:"week_key"`
	DeltaCents int64     `json:"delta_cents"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}
