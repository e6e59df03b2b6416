package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldRoom      = "room"
	FieldTopic     = "topic"
	FieldSignal    = "signal"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldBusState = "bus_state"
)
