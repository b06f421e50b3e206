package bus

import "time"

// Event kinds published by the sync engine. Consumers subscribe by namespace
// prefix ("profile.", "thread.", ...) and read the owning synchronizer's
// snapshot accessor after each notification, so a dropped event never loses
// state, only a wakeup.
const (
	KindSessionLogin      = "session.login"
	KindSessionLogout     = "session.logout"
	KindProfileUpdated    = "profile.updated"
	KindRosterUpdated     = "roster.updated"
	KindThreadUpdated     = "thread.updated"
	KindThreadSuggestions = "thread.suggestions"
	KindStatusChanged     = "status.changed"
)

// Event is a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
