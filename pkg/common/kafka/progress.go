package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

const progressSource = "trialsim"

// ProgressPublisher forwards run progress events to Kafka without blocking
// the caller. When the buffer is full events are dropped and counted.
type ProgressPublisher struct {
	producer *Producer
	events   chan models.ProgressEvent
	dropped  atomic.Int64
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewProgressPublisher(producer *Producer, buffer int) *ProgressPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &ProgressPublisher{
		producer: producer,
		events:   make(chan models.ProgressEvent, buffer),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *ProgressPublisher) OnEvent(event models.ProgressEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
		if n := p.dropped.Add(1); n%1000 == 1 {
			logger.Log.WithField("dropped", n).Warn("Progress event buffer full, dropping events")
		}
	}
}

func (p *ProgressPublisher) loop() {
	defer p.wg.Done()
	for event := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		data := event.Fields()
		data["timestamp"] = event.Timestamp
		_ = p.producer.PublishEvent(ctx, event.RunID, event.Type, progressSource, data)
		cancel()
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (p *ProgressPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close drains buffered events and closes the producer.
func (p *ProgressPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()
	return p.producer.Close()
}

// DecodeProgress rebuilds a progress event from a bus event written by
// ProgressPublisher.
func DecodeProgress(event models.Event) (models.ProgressEvent, error) {
	if event.Source != progressSource {
		return models.ProgressEvent{}, fmt.Errorf("event %s: unexpected source %q", event.ID, event.Source)
	}
	str := func(key string) string {
		s, _ := event.Data[key].(string)
		return s
	}
	progress := models.ProgressEvent{
		Type:        event.Type,
		RunID:       str("run_id"),
		PatientID:   str("patient_id"),
		Stage:       str("stage"),
		Status:      str("status"),
		FailureKind: models.FailureKind(str("failure_kind")),
		Message:     str("message"),
		Timestamp:   event.Timestamp,
	}
	if progress.RunID == "" {
		return models.ProgressEvent{}, fmt.Errorf("event %s: missing run_id", event.ID)
	}
	if n, ok := event.Data["attempts"].(float64); ok {
		progress.Attempts = int(n)
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("timestamp")); err == nil {
		progress.Timestamp = ts
	}
	return progress, nil
}
