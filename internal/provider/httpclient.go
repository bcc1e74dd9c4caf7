package provider

import (
	"net"
	"net/http"
	"time"
)

const defaultBackendTimeout = 2 * time.Minute

// BackendHTTPClient returns a client for one backend host. A non-streaming
// generate call sends its headers only once the whole reply is ready, so the
// header timeout tracks the overall timeout. maxConns caps concurrent
// requests to the host; the relay passes its worker count.
func BackendHTTPClient(timeout time.Duration, maxConns int) *http.Client {
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
