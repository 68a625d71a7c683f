package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	EventsDispatched   Counter
	CallbackFailures   Counter
	BatchesSent        Counter
	BatchFailures      Counter
	ResponsesDiscarded Counter
	CommandTimeouts    Counter
	Reconnects         Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EventsDispatched:   n,
		CallbackFailures:   n,
		BatchesSent:        n,
		BatchFailures:      n,
		ResponsesDiscarded: n,
		CommandTimeouts:    n,
		Reconnects:         n,
	}
}
