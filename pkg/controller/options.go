package controller

import "github.com/prometheus/client_golang/prometheus"

// Option configures a Controller at construction time.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	pollInterval   int64 // milliseconds, override for tests
	backoffAfter   int
}

func defaultOptions() options {
	return options{
		pollInterval: 50,
		backoffAfter: 10,
	}
}

// WithRegistry attaches a metrics registry. The controller keeps it but registers no
// collectors on it; its packet counters are plain in-process fields.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithPollInterval overrides the 50ms default polling cadence. Intended for tests.
func WithPollInterval(ms int64) Option {
	return func(o *options) {
		o.pollInterval = ms
	}
}
