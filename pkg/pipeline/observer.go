package pipeline

import (
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// Observer receives progress events. Implementations are called from many
// goroutines and must not block for long.
type Observer interface {
	OnEvent(event models.ProgressEvent)
}

type ObserverFunc func(event models.ProgressEvent)

func (f ObserverFunc) OnEvent(event models.ProgressEvent) {
	f(event)
}

// Observers fans an event out to every member.
type Observers []Observer

func (o Observers) OnEvent(event models.ProgressEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(event)
		}
	}
}

// LogObserver writes events to the structured log. Per-cell events are logged
// at debug level, failures at warn, run status at info.
type LogObserver struct{}

func (LogObserver) OnEvent(event models.ProgressEvent) {
	entry := logger.Log.WithFields(event.Fields())
	switch event.Type {
	case models.EventRunStatus:
		entry.Info("Trial run status changed")
	case models.EventStageFailed:
		entry.Warn("Stage failed")
	default:
		entry.Debug("Stage progress")
	}
}
