package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig tunes the HTTP client used for one AI vendor.
type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultConfig fits generation calls: long overall timeout, and no
// response header timeout since vendors only answer once generation ends.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:             120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 8,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// WithTimeout returns a client built from the defaults with the given
// overall timeout, or the default timeout when d is zero.
func WithTimeout(d time.Duration) *http.Client {
	cfg := DefaultConfig()
	if d > 0 {
		cfg.Timeout = d
	}
	return NewClient(cfg)
}
