package authflow

// State is a step of the login flow
type State int

const (
	StateStart State = iota
	StateAwaitingCallback
	StateExchangingToken
	StateVerifying
	StateReconciling
	StateRedirecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingToken:
		return "exchanging_token"
	case StateVerifying:
		return "verifying"
	case StateReconciling:
		return "reconciling"
	case StateRedirecting:
		return "redirecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the flow ends in this state
func (s State) Terminal() bool {
	return s == StateRedirecting || s == StateFailed
}
