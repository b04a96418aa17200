/*
Package breaker wraps calls to external model providers with a per-model
circuit breaker.

# States

Each model name owns an independent circuit:

  - CLOSED: calls go through; consecutive failures are counted.
  - OPEN: calls are not attempted and are served by the fallback model
    until the cooldown elapses.
  - HALF_OPEN: exactly one trial call is admitted; its outcome closes or
    reopens the circuit. Other calls during the trial use the fallback.

# Fallback

Every failed or rejected call is re-issued against Config.FallbackModel and
the Result is tagged with ModelUsed and CircuitBreakerIntervened. Calls
addressed to the fallback model itself bypass all circuit logic, which ends
the delegation after one hop. When the fallback fails during delegation the
caller receives a types.ErrExhaustedFallback error.

# Concurrency

Circuit state is guarded per model and no lock is held while the model
function runs. Results of calls admitted before a state change are ignored.
*/
package breaker
