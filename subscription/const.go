package subscription

// State is the custom type to define the current state of a subscription
type State string

// Defining the lifecycle states of a company subscription.
// StatePendingPayment is never persisted on a row: it is the state between
// intent creation and confirmation, observable only through a PENDING
// transaction.
const (
	StateNone           State = "None"
	StatePendingPayment State = "PendingPayment"
	StateActive         State = "Active"
	StateCancelling     State = "Cancelling"
	StateExpired        State = "Expired"
)
