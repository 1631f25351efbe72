package domain

// ExecutionState is the lifecycle of one bracket plan. Exited, Rejected and
// Failed are terminal.
type ExecutionState string

const (
	StatePendingEntry   ExecutionState = "PENDING_ENTRY"
	StateEntryAcked     ExecutionState = "ENTRY_ACKED"
	StateEntryFilled    ExecutionState = "ENTRY_FILLED"
	StateProtected      ExecutionState = "PROTECTED"
	StateBreakevenArmed ExecutionState = "BREAKEVEN_ARMED"
	StateExitedSL       ExecutionState = "EXITED_SL"
	StateExitedTP       ExecutionState = "EXITED_TP"
	StateExitedManual   ExecutionState = "EXITED_MANUAL"
	StateRejected       ExecutionState = "REJECTED"
	StateFailed         ExecutionState = "FAILED"
)

func (s ExecutionState) Terminal() bool {
	switch s {
	case StateExitedSL, StateExitedTP, StateExitedManual, StateRejected, StateFailed:
		return true
	}
	return false
}
