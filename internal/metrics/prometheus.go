package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "em_agg_sdk"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	eventsDispatched   prometheus.Counter
	callbackFailures   prometheus.Counter
	batchesSent        prometheus.Counter
	batchFailures      prometheus.Counter
	responsesDiscarded prometheus.Counter
	commandTimeouts    prometheus.Counter
	reconnects         prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	eventsDispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "events_dispatched_total",
		Help:      "Total number of exchange events dispatched to callbacks.",
	})
	callbackFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "callback_failures_total",
		Help:      "Total number of event callbacks that panicked.",
	})
	batchesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "batches_sent_total",
		Help:      "Total number of batch command payloads sent.",
	})
	batchFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "batch_failures_total",
		Help:      "Total number of batch executions that failed.",
	})
	responsesDiscarded := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "responses_discarded_total",
		Help:      "Total number of inbound frames discarded as uncorrelated or malformed.",
	})
	commandTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "command_timeouts_total",
		Help:      "Total number of commands that hit their response deadline.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "reconnects_total",
		Help:      "Total number of event-stream reconnect attempts.",
	})

	registry.MustRegister(eventsDispatched, callbackFailures, batchesSent, batchFailures, responsesDiscarded, commandTimeouts, reconnects)

	m := &Metrics{
		EventsDispatched:   promCounter{eventsDispatched},
		CallbackFailures:   promCounter{callbackFailures},
		BatchesSent:        promCounter{batchesSent},
		BatchFailures:      promCounter{batchFailures},
		ResponsesDiscarded: promCounter{responsesDiscarded},
		CommandTimeouts:    promCounter{commandTimeouts},
		Reconnects:         promCounter{reconnects},
	}

	return &Prometheus{
		Metrics:            m,
		registry:           registry,
		eventsDispatched:   eventsDispatched,
		callbackFailures:   callbackFailures,
		batchesSent:        batchesSent,
		batchFailures:      batchFailures,
		responsesDiscarded: responsesDiscarded,
		commandTimeouts:    commandTimeouts,
		reconnects:         reconnects,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
