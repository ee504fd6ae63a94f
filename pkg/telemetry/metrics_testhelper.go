package telemetry

import "sync"

// ResetMetricsForTest clears cached instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	instrumentsOnce = sync.Once{}
	instrumentsInitErr = nil
	validationCounter = nil
	configChangeCounter = nil
	observerFailureCounter = nil
}
