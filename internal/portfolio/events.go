package portfolio

// Event types pushed to a user's subscribers after a commit.
const (
	EventTransactionCommitted = "transaction_committed"
	EventTransactionReversed  = "transaction_reversed"
	EventCashModified         = "cash_modified"
	EventPositionClosed       = "position_closed"
)

// Event is a committed state change, scoped to one user.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Notifier receives events after their unit of work committed. Publish must
// not block the caller.
type Notifier interface {
	Publish(userID string, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, Event) {}
