// Package metrics defines the server's observability hooks. The Recorder
// interface lets components stay agnostic of the backing system; the
// Prometheus implementation is wired in by the composition root.
package metrics

import "time"

// Recorder receives the server's measurements. Implementations must be
// safe on a nil receiver so injection stays optional.
type Recorder interface {
	ObserveRequest(method string, status int, d time.Duration)
	IncBuildOutcome(success bool)
	ObserveBuildDuration(d time.Duration)
	IncSearchQuery()
	SetDiscoveredRepos(n int)
}

// NoopRecorder discards every measurement.
type NoopRecorder struct{}

func (NoopRecorder) ObserveRequest(string, int, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(bool)                      {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)        {}
func (NoopRecorder) IncSearchQuery()                           {}
func (NoopRecorder) SetDiscoveredRepos(int)                    {}
