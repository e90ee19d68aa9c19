package config

var outboxSignal = make(chan struct{}, 1)

// NotifyOutbox wakes the in-process outbox processor. Never blocks; a pending
// wake-up already covers any number of new rows.
func NotifyOutbox() {
	select {
	case outboxSignal <- struct{}{}:
	default:
	}
}

func OutboxSignal() <-chan struct{} {
	return outboxSignal
}
