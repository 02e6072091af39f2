// Package resilience retries failing operations.
//
// Retry supports exponential backoff with jitter and, through
// FixedRetryConfig, a constant delay between attempts:
//
//	resp, err := resilience.Retry(ctx, resilience.FixedRetryConfig(3, time.Second),
//	    func(attempt int) (*httpclient.Response, error) {
//	        return client.Do(ctx, req)
//	    })
package resilience
