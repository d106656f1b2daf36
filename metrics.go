package sonobus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Itukii/sonobus/directory"
	"github.com/Itukii/sonobus/messaging"
)

const (
	metricsNamespace = "sonobus"
	metricsSubsystem = "client"
)

// metrics are the Prometheus collectors of a session. Counters are
// updated on the network path; gauges and router statistics are read at
// scrape time.
type metrics struct {
	datagramsIn    *prometheus.CounterVec
	datagramsOut   prometheus.Counter
	malformed      prometheus.Counter
	sendErrors     prometheus.Counter
	requestResends prometheus.Counter
	events         *prometheus.CounterVec

	collectors []prometheus.Collector
}

func newMetrics(s *Session) *metrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		}
	}

	m := &metrics{
		datagramsIn: prometheus.NewCounterVec(prometheus.CounterOpts(opts(
			"datagrams_received_total", "Datagrams received, by packet type.")), []string{"type"}),
		datagramsOut: prometheus.NewCounter(prometheus.CounterOpts(opts(
			"datagrams_sent_total", "Datagrams passed to the send function."))),
		malformed: prometheus.NewCounter(prometheus.CounterOpts(opts(
			"datagrams_malformed_total", "Datagrams that could not be decoded."))),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts(opts(
			"send_errors_total", "Errors returned by the send function."))),
		requestResends: prometheus.NewCounter(prometheus.CounterOpts(opts(
			"request_resends_total", "Server requests sent again for lack of a reply."))),
		events: prometheus.NewCounterVec(prometheus.CounterOpts(opts(
			"events_total", "Events produced, by kind.")), []string{"kind"}),
	}

	stat := func(name, help string, get func(messaging.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts(opts(name, help)), func() float64 {
			return float64(get(s.router.Stats()))
		})
	}
	gauge := func(name, help string, get func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts(name, help)), get)
	}

	m.collectors = []prometheus.Collector{
		m.datagramsIn, m.datagramsOut, m.malformed, m.sendErrors, m.requestResends, m.events,
		stat("messages_sent_total", "Peer message datagrams sent.",
			func(st messaging.Stats) uint64 { return st.Sent }),
		stat("messages_received_total", "Peer messages delivered.",
			func(st messaging.Stats) uint64 { return st.Received }),
		stat("message_retransmits_total", "Reliable message retransmissions.",
			func(st messaging.Stats) uint64 { return st.Retransmits }),
		stat("messages_dropped_total", "Reliable messages given up on.",
			func(st messaging.Stats) uint64 { return st.Dropped }),
		stat("message_duplicates_total", "Duplicate reliable messages discarded.",
			func(st messaging.Stats) uint64 { return st.Duplicates }),
		gauge("connection_state", "Connection state: 0 disconnected, 1 connecting, 2 connected.",
			func() float64 { return float64(s.State()) }),
		gauge("groups", "Joined groups.",
			func() float64 { return float64(s.dir.Snapshot().NumGroups()) }),
		gauge("peers", "Known peers across all groups.",
			func() float64 { return float64(s.dir.Snapshot().NumPeers(directory.InvalidID)) }),
		gauge("pending_requests", "Server requests awaiting a reply.",
			func() float64 { return float64(s.ledger.Len()) }),
	}
	return m
}

// register registers every collector, undoing partial registration on
// failure.
func (m *metrics) register(reg prometheus.Registerer) error {
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors[:i] {
				reg.Unregister(done)
			}
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors {
		reg.Unregister(c)
	}
}
