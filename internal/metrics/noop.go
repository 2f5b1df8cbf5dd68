package metrics

import "time"

// NoopSink discards every metric. Used when metrics are disabled.
type NoopSink struct{}

func (NoopSink) RunPopped()                                  {}
func (NoopSink) RunDispatched()                              {}
func (NoopSink) StaleEntryDropped()                          {}
func (NoopSink) BackpressureSignaled()                       {}
func (NoopSink) HeapSizeUpdate(int)                          {}
func (NoopSink) AttemptCompleted(int, string, time.Duration) {}
func (NoopSink) RunOutcome(string)                           {}
func (NoopSink) RunsInFlightIncr()                           {}
func (NoopSink) RunsInFlightDecr()                           {}
func (NoopSink) QueueDepthUpdate(int)                        {}

var _ Sink = NoopSink{}
