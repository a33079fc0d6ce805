package crypto

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects crypto-core counters and latencies for Prometheus
// exposition. It replaces the hand-rolled atomic counters and manual
// histogram the bridge used to track message throughput with the metric
// types the rest of the ecosystem instruments Go services with.
type Metrics struct {
	olmEncrypted   prometheus.Counter
	olmDecrypted   prometheus.Counter
	olmDecryptErr  *prometheus.CounterVec
	megolmEncrypted prometheus.Counter
	megolmDecrypted prometheus.Counter
	megolmDecryptErr *prometheus.CounterVec

	sessionsCreated  *prometheus.CounterVec
	oneTimeKeysUploaded prometheus.Counter
	deviceQueries       prometheus.Counter
	replaysRejected     prometheus.Counter

	decryptLatency prometheus.Histogram
	queryKeysLatency prometheus.Histogram

	sessionManagerState prometheus.Gauge
}

// NewMetrics registers the crypto core's metrics on reg. Callers typically
// pass prometheus.DefaultRegisterer or a registry scoped to the daemon.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		olmEncrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "olm", Name: "encrypted_total",
			Help: "Olm messages encrypted.",
		}),
		olmDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "olm", Name: "decrypted_total",
			Help: "Olm messages decrypted successfully.",
		}),
		olmDecryptErr: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "olm", Name: "decrypt_errors_total",
			Help: "Olm decryption failures by reason.",
		}, []string{"reason"}),
		megolmEncrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "megolm", Name: "encrypted_total",
			Help: "Megolm events encrypted.",
		}),
		megolmDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "megolm", Name: "decrypted_total",
			Help: "Megolm events decrypted successfully.",
		}),
		megolmDecryptErr: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxe2ee", Subsystem: "megolm", Name: "decrypt_errors_total",
			Help: "Megolm decryption failures by reason.",
		}, []string{"reason"}),
		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxe2ee", Name: "sessions_created_total",
			Help: "Sessions created by kind (olm_outbound, olm_inbound, megolm_outbound, megolm_inbound).",
		}, []string{"kind"}),
		oneTimeKeysUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Name: "one_time_keys_uploaded_total",
			Help: "One-time keys uploaded to the homeserver.",
		}),
		deviceQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Name: "device_queries_total",
			Help: "QueryKeys cycles run.",
		}),
		replaysRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mxe2ee", Name: "replays_rejected_total",
			Help: "Megolm message-index replays rejected.",
		}),
		decryptLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mxe2ee", Name: "decrypt_latency_seconds",
			Help:    "Time to decrypt one event.",
			Buckets: prometheus.DefBuckets,
		}),
		queryKeysLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mxe2ee", Name: "query_keys_latency_seconds",
			Help:    "Time for a QueryKeys round trip.",
			Buckets: prometheus.DefBuckets,
		}),
		sessionManagerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxe2ee", Name: "session_manager_state",
			Help: "Current Session Manager state as an enum (see crypto.State).",
		}),
	}
}

func (m *Metrics) ObserveDecrypt(start time.Time) {
	m.decryptLatency.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveQueryKeys(start time.Time) {
	m.queryKeysLatency.Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetState(s State) {
	m.sessionManagerState.Set(float64(s))
}
