// Package httpclient is the outbound HTTP transport used for calls to
// discovered service instances.
//
//	client, err := httpclient.New(httpclient.Config{Timeout: 10 * time.Second})
//	resp, err := client.Do(ctx, httpclient.Request{
//	    Method: http.MethodGet,
//	    Path:   "http://10.0.0.5:8080/orders/123",
//	})
//
// Non-2xx answers come back as *Error next to the response so callers can
// inspect the body and branch on KindOf.
package httpclient
