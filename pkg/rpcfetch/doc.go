// Package rpcfetch retrieves validator block production from a Solana
// JSON-RPC endpoint and turns it into skip-rate analytics snapshots.
//
// # Architecture
//
// The package consists of four main components:
//
//   - Pool: Manages the primary and fallback endpoints with health tracking
//   - RPCClient: Sends JSON-RPC calls through the rate limiter with
//     per-attempt timeouts, classified retries and exponential backoff
//   - Gate: Bounds the number of calls in flight
//   - Fetcher: Plans getBlockProduction calls, fans them out under the gate,
//     merges the results and runs the skiprate pipeline
//
// # Usage
//
//	cfg, err := rpcfetch.NewConfig("https://api.mainnet-beta.solana.com", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fetcher, err := rpcfetch.NewFetcher(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fetcher.Close()
//
//	snap, err := fetcher.Fetch(ctx, rpcfetch.Request{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("network skip rate %.2f%%, health %.0f\n",
//	    snap.Statistics.OverallSkipRatePercent, snap.NetworkHealth.HealthScore)
//
// # Fan-out
//
// A request without identities is a single call. Each identity adds one
// call, and Config.ChunkSlots splits an explicit range into chunks fetched
// concurrently. Counters are summed per identity. The fan-out has barrier
// semantics: the first failure cancels the remaining calls and Fetch
// returns no snapshot.
//
// # Error Handling
//
// Every attempt is classified by Classify:
//
//   - Retryable: network errors, attempt timeouts, HTTP 5xx, HTTP 429 and
//     JSON-RPC rate-limit codes
//   - Fatal: other HTTP 4xx, malformed bodies and other JSON-RPC errors
//
// A failed call returns a *FetchError whose kind is one of ErrTransportFailure,
// ErrRemote, ErrTimeout, ErrRateLimitExhausted or ErrMalformedData:
//
//	var rpcErr *rpcfetch.RPCError
//	switch {
//	case errors.Is(err, rpcfetch.ErrRateLimitExhausted):
//	    // back off and try later
//	case errors.As(err, &rpcErr):
//	    // the node rejected the request
//	}
//
// Cancelling the caller's context stops the call immediately, including
// during backoff, and the error matches context.Canceled.
//
// # Configuration
//
// Presets tune timeouts, attempts, rate and concurrency for common
// providers. PresetForEndpoint picks one from the URL.
package rpcfetch
