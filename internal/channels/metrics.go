package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

// Metrics tracks per-adapter message counts, error rates and latency.
// All methods are safe for concurrent use.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsMu     sync.RWMutex
	errorsByCode map[ErrorCode]*atomic.Uint64

	sendLatency *latencyWindow

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a metrics tracker for one adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		sendLatency:  newLatencyWindow(),
		channelType:  channelType,
		startTime:    time.Now(),
	}
}

// RecordMessageSent increments the sent counter.
func (m *Metrics) RecordMessageSent() { m.messagesSent.Add(1) }

// RecordMessageReceived increments the received counter.
func (m *Metrics) RecordMessageReceived() { m.messagesReceived.Add(1) }

// RecordMessageDropped increments the dropped counter. Messages drop when
// the inbound buffer is full.
func (m *Metrics) RecordMessageDropped() { m.messagesDropped.Add(1) }

// RecordMessageFailed increments the failed counter.
func (m *Metrics) RecordMessageFailed() { m.messagesFailed.Add(1) }

// RecordError increments the counter for one error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, ok := m.errorsByCode[code]
	if !ok {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()

	counter.Add(1)
}

// RecordSendLatency records how long one send took.
func (m *Metrics) RecordSendLatency(d time.Duration) { m.sendLatency.record(d) }

// RecordConnectionOpened increments the connections opened counter.
func (m *Metrics) RecordConnectionOpened() { m.connectionsOpened.Add(1) }

// RecordConnectionClosed increments the connections closed counter.
func (m *Metrics) RecordConnectionClosed() { m.connectionsClosed.Add(1) }

// RecordReconnectAttempt increments the reconnect counter.
func (m *Metrics) RecordReconnectAttempt() { m.reconnectAttempts.Add(1) }

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesDropped:   m.messagesDropped.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ErrorsByCode:      errs,
		SendLatency:       m.sendLatency.snapshot(),
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of adapter metrics.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesDropped   uint64
	MessagesFailed    uint64
	ErrorsByCode      map[ErrorCode]uint64
	SendLatency       LatencySnapshot
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ReconnectAttempts uint64
	Uptime            time.Duration
}

// LatencySnapshot summarizes recent latency samples.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

const latencyWindowSize = 1000

// latencyWindow keeps the most recent samples in a ring for percentile
// estimation.
type latencyWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, latencyWindowSize)}
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.head] = d
	w.head = (w.head + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.count == 0 {
		return LatencySnapshot{}
	}

	sorted := make([]time.Duration, w.count)
	if w.count < latencyWindowSize {
		copy(sorted, w.samples[:w.count])
	} else {
		for i := 0; i < w.count; i++ {
			sorted[i] = w.samples[(w.head+i)%latencyWindowSize]
		}
	}

	// Insertion sort; the window is small.
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}
