// Package circuit_breaker guards outbound calls to named dependencies.
//
// Every dependency gets its own breaker, registered once at startup:
//
//	CLOSED    calls pass through; failureThreshold consecutive failures open the breaker
//	OPEN      calls are answered by the fallback or rejected with ErrDependencyUnhealthy
//	HALF_OPEN after resetTimeout one trial call passes; success closes, failure reopens
//
// Errors the FailureClassifier rejects are returned to the caller and ignored by the breaker.
//
// Breaker state lives in the process. Instances of a horizontally scaled service trip and
// recover independently.
package circuit_breaker
