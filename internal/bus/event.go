package bus

import "time"

// Event is a single notification published on the bus. Kind is a
// dot-separated name ("stream.message.new", "conn.state") and subscribers
// filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
