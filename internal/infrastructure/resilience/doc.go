/*
Package resilience provides the circuit breaker used for outbound calls.

A breaker moves between three states:

	Closed --[ReadyToTrip]--> Open --[Timeout]--> Half-Open --[MaxRequests successes]--> Closed
	                                                  |
	                                               failure
	                                                  v
	                                                 Open

Each state change starts a new generation. Results of calls admitted in an
earlier generation are discarded, so a slow success cannot close a breaker
that tripped while it was in flight.

# Usage

	breaker := resilience.New("ip-locator", resilience.Settings{
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.BreakerTransition(name, to)
		},
	})

	body, err := resilience.Do(breaker, func() ([]byte, error) {
		return fetch(ctx, url)
	})
*/
package resilience
