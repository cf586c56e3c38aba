package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-fedchat-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registrations_total",
		Help: "Total successful local client registrations.",
	})
	RegistrationsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registrations_denied_total",
		Help: "Total registrations denied by spam screening or its timeout.",
	})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_delivered_total",
		Help: "Total messages pushed into local mailboxes.",
	})
	MessagesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_deferred_total",
		Help: "Total messages held for not-yet-announced recipients.",
	})
	MessagesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_transferred_total",
		Help: "Total messages handed to a peer server for remote delivery.",
	})
	MailboxFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailbox_full_total",
		Help: "Total deliveries rejected because the recipient mailbox was at capacity.",
	})
	Polls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polls_total",
		Help: "Total client mailbox polls.",
	})
	Announces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "announces_total",
		Help: "Total route announces accepted from peers.",
	})
	RoutesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "routes_known",
		Help: "Current number of stored federation routes.",
	})
	RemoteClientsKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remote_clients_known",
		Help: "Current number of known remote clients.",
	})
	DeferredPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deferred_pending",
		Help: "Current number of messages held for unknown recipients.",
	})
	TCPRxQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_queries_total",
		Help: "Total client queries decoded from TCP connections.",
	})
	TCPTxReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_replies_total",
		Help: "Total replies written to TCP clients.",
	})
	PeerRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_rx_messages_total",
		Help: "Total server messages received from peers.",
	})
	PeerTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_tx_messages_total",
		Help: "Total server messages sent to peers.",
	})
	PeerDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_dropped_messages_total",
		Help: "Total outbound server messages dropped due to slow peers.",
	})
	PeerKickedLinks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_kicked_links_total",
		Help: "Total peer links disconnected due to backpressure kick policy.",
	})
	RejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_clients",
		Help: "Current number of connected TCP clients.",
	})
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_peers",
		Help: "Current number of connected peer servers.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (reserved prefixes, bad markers, truncation).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrHandshake = "handshake"
	ErrPeerRead  = "peer_read"
	ErrPeerWrite = "peer_write"
	ErrRouting   = "routing"
	ErrSpamCheck = "spam_check"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRegistrations uint64
	localRegDenied     uint64
	localDelivered     uint64
	localDeferred      uint64
	localTransferred   uint64
	localMailboxFull   uint64
	localPolls         uint64
	localAnnounces     uint64
	localTCPRx         uint64
	localTCPTx         uint64
	localPeerRx        uint64
	localPeerTx        uint64
	localPeerDrop      uint64
	localPeerKick      uint64
	localRejected      uint64
	localErrors        uint64
	localActiveClients uint64
	localActivePeers   uint64
	localMalformed     uint64
	localRoutesKnown   uint64
	localRemoteClients uint64
	localDeferredGauge uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Registrations       uint64
	RegistrationsDenied uint64
	Delivered           uint64
	Deferred            uint64
	Transferred         uint64
	MailboxFull         uint64
	Polls               uint64
	Announces           uint64
	TCPRx               uint64
	TCPTx               uint64
	PeerRx              uint64
	PeerTx              uint64
	PeerDrops           uint64
	PeerKicks           uint64
	Rejected            uint64
	Errors              uint64 // sum across error labels
	ActiveClients       uint64
	ActivePeers         uint64
	Malformed           uint64
	RoutesKnown         uint64
	RemoteClients       uint64
	DeferredPending     uint64
}

func Snap() Snapshot {
	return Snapshot{
		Registrations:       atomic.LoadUint64(&localRegistrations),
		RegistrationsDenied: atomic.LoadUint64(&localRegDenied),
		Delivered:           atomic.LoadUint64(&localDelivered),
		Deferred:            atomic.LoadUint64(&localDeferred),
		Transferred:         atomic.LoadUint64(&localTransferred),
		MailboxFull:         atomic.LoadUint64(&localMailboxFull),
		Polls:               atomic.LoadUint64(&localPolls),
		Announces:           atomic.LoadUint64(&localAnnounces),
		TCPRx:               atomic.LoadUint64(&localTCPRx),
		TCPTx:               atomic.LoadUint64(&localTCPTx),
		PeerRx:              atomic.LoadUint64(&localPeerRx),
		PeerTx:              atomic.LoadUint64(&localPeerTx),
		PeerDrops:           atomic.LoadUint64(&localPeerDrop),
		PeerKicks:           atomic.LoadUint64(&localPeerKick),
		Rejected:            atomic.LoadUint64(&localRejected),
		Errors:              atomic.LoadUint64(&localErrors),
		ActiveClients:       atomic.LoadUint64(&localActiveClients),
		ActivePeers:         atomic.LoadUint64(&localActivePeers),
		Malformed:           atomic.LoadUint64(&localMalformed),
		RoutesKnown:         atomic.LoadUint64(&localRoutesKnown),
		RemoteClients:       atomic.LoadUint64(&localRemoteClients),
		DeferredPending:     atomic.LoadUint64(&localDeferredGauge),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRegistration() {
	Registrations.Inc()
	atomic.AddUint64(&localRegistrations, 1)
}

func IncRegistrationDenied() {
	RegistrationsDenied.Inc()
	atomic.AddUint64(&localRegDenied, 1)
}

func IncDelivered() {
	MessagesDelivered.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

func IncDeferred() {
	MessagesDeferred.Inc()
	atomic.AddUint64(&localDeferred, 1)
}

func IncTransferred() {
	MessagesTransferred.Inc()
	atomic.AddUint64(&localTransferred, 1)
}

func IncMailboxFull() {
	MailboxFull.Inc()
	atomic.AddUint64(&localMailboxFull, 1)
}

func IncPoll() {
	Polls.Inc()
	atomic.AddUint64(&localPolls, 1)
}

func IncAnnounce() {
	Announces.Inc()
	atomic.AddUint64(&localAnnounces, 1)
}

func IncTCPRx() {
	TCPRxQueries.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxReplies.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncPeerRx() {
	PeerRxMessages.Inc()
	atomic.AddUint64(&localPeerRx, 1)
}

func IncPeerTx() {
	PeerTxMessages.Inc()
	atomic.AddUint64(&localPeerTx, 1)
}

func IncPeerDrop() {
	PeerDroppedMessages.Inc()
	atomic.AddUint64(&localPeerDrop, 1)
}

func IncPeerKick() {
	PeerKickedLinks.Inc()
	atomic.AddUint64(&localPeerKick, 1)
}

func IncRejected() {
	RejectedClients.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetActiveClients(n int) {
	ActiveClients.Set(float64(n))
	atomic.StoreUint64(&localActiveClients, uint64(n))
}

func SetActivePeers(n int) {
	ActivePeers.Set(float64(n))
	atomic.StoreUint64(&localActivePeers, uint64(n))
}

func SetRoutesKnown(n int) {
	RoutesKnown.Set(float64(n))
	atomic.StoreUint64(&localRoutesKnown, uint64(n))
}

func SetRemoteClientsKnown(n int) {
	RemoteClientsKnown.Set(float64(n))
	atomic.StoreUint64(&localRemoteClients, uint64(n))
}

func SetDeferredPending(n int) {
	DeferredPending.Set(float64(n))
	atomic.StoreUint64(&localDeferredGauge, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrPeerRead, ErrPeerWrite, ErrRouting, ErrSpamCheck,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
