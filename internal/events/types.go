package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderAccepted    Event = "order.accepted"
	EventOrderRejected    Event = "order.rejected"
	EventOrderFailed      Event = "order.failed"
	EventOrderFilled      Event = "order.filled"
	EventOrderSimulated   Event = "order.simulated"
	EventApprovalQueued   Event = "approval.queued"
	EventApprovalReleased Event = "approval.released"
	EventApprovalRejected Event = "approval.rejected"
	EventCircuitTripped   Event = "circuit.tripped"
	EventCircuitRecovered Event = "circuit.recovered"
	EventLoopTick         Event = "loop.tick"
	EventAudit            Event = "audit.record"
)
