// Package httpclient is the request layer of the kiln client runtime:
// per-traffic-class connection pools, a retrying request executor and
// the glue to the shared rate-limiter table.
//
// # Quick start
//
//	client, err := httpclient.New("https://api.example.com",
//	    httpclient.WithCredential(apiKey),
//	    httpclient.WithServiceName("trainer"),
//	)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := client.Execute(ctx, httpclient.Request{
//	    Operation: "forward_backward",
//	    Method:    http.MethodPost,
//	    Path:      "/v1/forward_backward",
//	    Body:      payload,
//	    Class:     endpoint.ClassTraining,
//	})
//
// # Retry behavior
//
// The executor retries transport failures and retryable statuses under
// a full-jitter exponential backoff, bounded by both an attempt cap and
// an elapsed-time cap. The server's X-Should-Retry advisory header
// overrides status heuristics in both directions on non-2xx responses,
// and 429 responses are paced exactly by the server's retry-after hint,
// shared across every request for the same (endpoint, credential) pair.
//
// # Errors
//
// Failures surface as *Error. Use (*Error).UserError to distinguish
// "your input was rejected" (a terminal 4xx) from operational failures
// that a higher layer may retry.
package httpclient
