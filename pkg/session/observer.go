package session

import (
	"context"

	"github.com/qshield-labs/qkdlink/pkg/metrics"
)

// Observer provides hooks for session lifecycle, metrics, and tracing.
// Implementations should be lightweight; callbacks may run on hot paths.
type Observer interface {
	OnSessionStart()
	OnSessionEnd()
	OnSessionFailed(err error)
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnQberEstimate(sampleSize int, errorRate float64, accepted bool)
	OnSeal(ctx context.Context, plaintextLen int) (context.Context, func(error))
	OnOpen(ctx context.Context, ciphertextLen int) (context.Context, func(error))
	OnReplayDetected()
	OnAuthFailure()
	OnRotationStart(ctx context.Context) (context.Context, func(error))
	OnProtocolError(err error)
}

// ObserverFactory builds a per-session observer.
type ObserverFactory func(session *Session) Observer

func observerFromConfig(config Config, session *Session) Observer {
	if config.ObserverFactory != nil {
		return config.ObserverFactory(session)
	}
	return config.Observer
}

// CollectorObserver feeds session events into a metrics.Collector.
type CollectorObserver struct {
	collector *metrics.Collector
}

// NewCollectorObserver creates an observer backed by the given collector.
func NewCollectorObserver(c *metrics.Collector) *CollectorObserver {
	return &CollectorObserver{collector: c}
}

func (o *CollectorObserver) OnSessionStart() {
	o.collector.SessionStarted()
}

func (o *CollectorObserver) OnSessionEnd() {
	o.collector.SessionEnded()
}

func (o *CollectorObserver) OnSessionFailed(err error) {
	o.collector.SessionFailed()
}

func (o *CollectorObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	start := nowFunc()
	return ctx, func(err error) {
		if err == nil {
			o.collector.RecordHandshakeLatency(nowFunc().Sub(start))
		}
	}
}

func (o *CollectorObserver) OnQberEstimate(sampleSize int, errorRate float64, accepted bool) {
	o.collector.RecordQBER(errorRate)
	if !accepted {
		o.collector.QberAborted()
	}
}

func (o *CollectorObserver) OnSeal(ctx context.Context, plaintextLen int) (context.Context, func(error)) {
	return ctx, func(err error) {
		if err == nil {
			o.collector.FrameSealed(plaintextLen)
		}
	}
}

func (o *CollectorObserver) OnOpen(ctx context.Context, ciphertextLen int) (context.Context, func(error)) {
	return ctx, func(err error) {
		if err == nil {
			o.collector.FrameOpened(ciphertextLen)
		} else {
			o.collector.DecryptFailed()
		}
	}
}

func (o *CollectorObserver) OnReplayDetected() {
	o.collector.ReplayBlocked()
}

func (o *CollectorObserver) OnAuthFailure() {
	o.collector.AuthFailed()
}

func (o *CollectorObserver) OnRotationStart(ctx context.Context) (context.Context, func(error)) {
	o.collector.RotationStarted()
	return ctx, func(err error) {
		if err == nil {
			o.collector.RotationFinished()
		}
	}
}

func (o *CollectorObserver) OnProtocolError(err error) {}
