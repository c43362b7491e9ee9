package app

import (
	"net"
	"net/http"
	"time"
)

// newRegistryHTTPClient returns a client sized for a single throttled host.
// Per-request deadlines are applied by the fetch layer, so the overall
// timeout here only guards against stuck bodies.
func newRegistryHTTPClient(workers int) *http.Client {
	if workers <= 0 {
		workers = defaultWorkers
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          workers * 2,
		MaxIdleConnsPerHost:   workers,
		MaxConnsPerHost:       workers * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   2 * time.Minute,
	}
}

// newLLMHTTPClient leaves room for slow model responses.
func newLLMHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}
