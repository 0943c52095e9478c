package models

import "time"

// Stage identifies one discrete phase of turn processing eligible for
// independent recovery handling.
type Stage string

const (
	StagePreprocessing Stage = "preprocessing"
	StageRouting       Stage = "routing"
	StageNodeExecution Stage = "node_execution"
	StageDelivery      Stage = "delivery"
)

// RecoveryResult classifies the outcome of one recovery strategy attempt.
type RecoveryResult string

const (
	// RecoverySuccess means the stage fully recovered.
	RecoverySuccess RecoveryResult = "success"
	// RecoveryPartial means the stage was bypassed with degraded output.
	RecoveryPartial RecoveryResult = "partial"
	// RecoveryFailed means the strategy did not help.
	RecoveryFailed RecoveryResult = "failed"
	// RecoveryEscalated means the turn was handed off for manual follow-up.
	RecoveryEscalated RecoveryResult = "escalated"
)

// RecoveryAttempt is one entry in the append-only recovery audit log.
// Attempts are never mutated after creation.
type RecoveryAttempt struct {
	ExecutionID  string         `json:"execution_id"`
	Stage        Stage          `json:"stage"`
	ErrorKind    string         `json:"error_kind"`
	Strategy     string         `json:"strategy"`
	Result       RecoveryResult `json:"result"`
	RecoveryTime time.Duration  `json:"recovery_time"`
	Timestamp    time.Time      `json:"timestamp"`
}

// EscalationRecord is persisted when a stage keeps failing inside a rolling
// window, for manual follow-up. Retained for roughly seven days.
type EscalationRecord struct {
	EscalationID string    `json:"escalation_id"`
	Stage        Stage     `json:"stage"`
	Reason       string    `json:"reason"`
	Identity     string    `json:"identity"`
	Timestamp    time.Time `json:"timestamp"`
}
