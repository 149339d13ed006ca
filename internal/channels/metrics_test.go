package channels

import (
	"sync"
	"testing"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics(models.ChannelTelegram)

	m.RecordMessageSent()
	m.RecordMessageSent()
	m.RecordMessageReceived()
	m.RecordMessageReceived()
	m.RecordMessageReceived()
	m.RecordMessageDropped()
	m.RecordMessageFailed()
	m.RecordError(ErrCodeTimeout)
	m.RecordError(ErrCodeTimeout)
	m.RecordError(ErrCodeConnection)
	m.RecordConnectionOpened()
	m.RecordConnectionClosed()
	m.RecordReconnectAttempt()

	snap := m.Snapshot()

	if snap.ChannelType != models.ChannelTelegram {
		t.Errorf("expected channel telegram, got %s", snap.ChannelType)
	}
	if snap.MessagesSent != 2 {
		t.Errorf("expected 2 sent, got %d", snap.MessagesSent)
	}
	if snap.MessagesReceived != 3 {
		t.Errorf("expected 3 received, got %d", snap.MessagesReceived)
	}
	if snap.MessagesDropped != 1 {
		t.Errorf("expected 1 dropped, got %d", snap.MessagesDropped)
	}
	if snap.MessagesFailed != 1 {
		t.Errorf("expected 1 failed, got %d", snap.MessagesFailed)
	}
	if snap.ErrorsByCode[ErrCodeTimeout] != 2 {
		t.Errorf("expected 2 timeout errors, got %d", snap.ErrorsByCode[ErrCodeTimeout])
	}
	if snap.ErrorsByCode[ErrCodeConnection] != 1 {
		t.Errorf("expected 1 connection error, got %d", snap.ErrorsByCode[ErrCodeConnection])
	}
	if snap.ConnectionsOpened != 1 || snap.ConnectionsClosed != 1 {
		t.Errorf("connection counters = %d/%d", snap.ConnectionsOpened, snap.ConnectionsClosed)
	}
	if snap.ReconnectAttempts != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", snap.ReconnectAttempts)
	}
}

func TestMetrics_SendLatencyPercentiles(t *testing.T) {
	m := NewMetrics(models.ChannelSlack)

	for i := 1; i <= 100; i++ {
		m.RecordSendLatency(time.Duration(i) * time.Millisecond)
	}

	lat := m.Snapshot().SendLatency

	if lat.Count != 100 {
		t.Fatalf("expected 100 samples, got %d", lat.Count)
	}
	if lat.Min != 1*time.Millisecond {
		t.Errorf("min = %v", lat.Min)
	}
	if lat.Max != 100*time.Millisecond {
		t.Errorf("max = %v", lat.Max)
	}
	if lat.P50 != 51*time.Millisecond {
		t.Errorf("p50 = %v", lat.P50)
	}
	if lat.P95 != 96*time.Millisecond {
		t.Errorf("p95 = %v", lat.P95)
	}
}

func TestMetrics_EmptyLatency(t *testing.T) {
	m := NewMetrics(models.ChannelTelegram)

	lat := m.Snapshot().SendLatency

	if lat.Count != 0 {
		t.Errorf("expected 0 samples, got %d", lat.Count)
	}
	if lat.Max != 0 {
		t.Errorf("expected zero max, got %v", lat.Max)
	}
}

func TestMetrics_LatencyWindowWraps(t *testing.T) {
	m := NewMetrics(models.ChannelTelegram)

	for i := 0; i < latencyWindowSize+50; i++ {
		m.RecordSendLatency(time.Millisecond)
	}

	if count := m.Snapshot().SendLatency.Count; count != latencyWindowSize {
		t.Errorf("expected window of %d samples, got %d", latencyWindowSize, count)
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m := NewMetrics(models.ChannelSlack)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordMessageSent()
			m.RecordError(ErrCodeRateLimit)
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.MessagesSent != 50 {
		t.Errorf("expected 50 sent, got %d", snap.MessagesSent)
	}
	if snap.ErrorsByCode[ErrCodeRateLimit] != 50 {
		t.Errorf("expected 50 rate limit errors, got %d", snap.ErrorsByCode[ErrCodeRateLimit])
	}
}
