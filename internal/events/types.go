package events

// Event identifies a topic on the bus.
type Event string

// Broker push events and session lifecycle notifications.
const (
	EventOrderStatus  Event = "order.status"
	EventExecDetails  Event = "exec.details"
	EventCommission   Event = "exec.commission"
	EventConnected    Event = "session.connected"
	EventDisconnected Event = "session.disconnected"
	EventFinding      Event = "reconcile.finding"
	EventExitPlan     Event = "exitplan.update"
)
