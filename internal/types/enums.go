package types

// SettlementStatus is the lifecycle state of a UserWeekPenalty row.
// Transitions are enforced by conditional UPDATEs in the penalty repository;
// terminal states are never regressed.
type SettlementStatus string

const (
	// SettlementPending is the initial state of a freshly upserted penalty row.
	SettlementPending SettlementStatus = "pending"

	// SettlementChargeFailed marks a processor rejection other than
	// below-minimum. Non-terminal: the candidate is retried on the next run.
	SettlementChargeFailed SettlementStatus = "charge_failed"

	// SettlementChargedActual means the usage-derived penalty was charged
	// (capped at the pre-authorized maximum).
	SettlementChargedActual SettlementStatus = "charged_actual"

	// SettlementChargedActualAdjusted means an additional charge was applied
	// during reconciliation on top of a prior settlement.
	SettlementChargedActualAdjusted SettlementStatus = "charged_actual_adjusted"

	// SettlementChargedWorstCase means usage was never synced by the grace
	// deadline and the full pre-authorized amount was charged.
	SettlementChargedWorstCase SettlementStatus = "charged_worst_case"

	// SettlementRefunded means reconciliation refunded the entire charged amount.
	SettlementRefunded SettlementStatus = "refunded"

	// SettlementRefundedPartial means reconciliation refunded part of the
	// charged amount.
	SettlementRefundedPartial SettlementStatus = "refunded_partial"
)

// IsTerminal reports whether the status is a settled end state. Terminal rows
// are skipped by later settlement runs; this is the primary idempotency guard
// across repeated invocations.
func (s SettlementStatus) IsTerminal() bool {
	switch s {
	case SettlementChargedActual,
		SettlementChargedActualAdjusted,
		SettlementChargedWorstCase,
		SettlementRefunded,
		SettlementRefundedPartial:
		return true
	case SettlementPending, SettlementChargeFailed:
		return false
	default:
		return false
	}
}

// TerminalSettlementStatuses lists every terminal status. Used by repositories
// to build the NOT IN clause of conditional status updates.
var TerminalSettlementStatuses = []SettlementStatus{
	SettlementChargedActual,
	SettlementChargedActualAdjusted,
	SettlementChargedWorstCase,
	SettlementRefunded,
	SettlementRefundedPartial,
}

// ChargeType distinguishes how a settlement charge amount was derived.
type ChargeType string

const (
	// ChargeActual charges the usage-derived penalty, capped at the
	// pre-authorized maximum.
	ChargeActual ChargeType = "actual"

	// ChargeWorstCase charges the full pre-authorized amount because usage
	// was never confirmed by the grace deadline.
	ChargeWorstCase ChargeType = "worst_case"
)

// PaymentType identifies the kind of processor transaction recorded in the
// append-only payment ledger.
type PaymentType string

const (
	PaymentCharge     PaymentType = "charge"
	PaymentRefund     PaymentType = "refund"
	PaymentAdjustment PaymentType = "adjustment"
)

// CommitmentStatus is the lifecycle state of a weekly commitment.
type CommitmentStatus string

const (
	CommitmentActive     CommitmentStatus = "active"
	CommitmentCompleted  CommitmentStatus = "completed"
	CommitmentSuperseded CommitmentStatus = "superseded"
)

// OutcomeKind categorizes the result of processing one candidate within a
// settlement or reconciliation batch. Summaries count candidates per kind;
// the counts are for observability and retry scheduling, never for control
// flow.
type OutcomeKind string

const (
	OutcomeChargedActual       OutcomeKind = "charged_actual"
	OutcomeChargedWorstCase    OutcomeKind = "charged_worst_case"
	OutcomeSettledZero         OutcomeKind = "settled_zero"
	OutcomeAlreadySettled      OutcomeKind = "already_settled"
	OutcomeGraceNotExpired     OutcomeKind = "grace_not_expired"
	OutcomeMissingPrerequisite OutcomeKind = "missing_prerequisite"
	OutcomeChargeFailed        OutcomeKind = "charge_failed"
	OutcomeRefundIssued        OutcomeKind = "refund_issued"
	OutcomeAdditionalCharge    OutcomeKind = "additional_charge"
	OutcomeZeroDelta           OutcomeKind = "zero_delta"
	OutcomeSkippedWithReason   OutcomeKind = "skipped_with_reason"
	OutcomeLedgerMismatch      OutcomeKind = "ledger_mismatch"
	OutcomeDryRun              OutcomeKind = "dry_run"
	OutcomeInternalError       OutcomeKind = "internal_error"
)

// TriggerSource identifies how a run was initiated.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)
