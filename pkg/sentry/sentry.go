package sentry

import (
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/tangoride/tango-backend/pkg/config"
)

// Init configures the Sentry client. A missing DSN disables reporting
// without error so local development needs no setup.
func Init(cfg *config.SentryConfig, serviceName, release, environment string) error {
	if !cfg.Enabled {
		return nil
	}

	return sentrygo.Init(sentrygo.ClientOptions{
		Dsn:              cfg.DSN,
		ServerName:       serviceName,
		Release:          release,
		Environment:      environment,
		TracesSampleRate: 0.1,
	})
}

// Flush drains buffered events on shutdown.
func Flush(timeout time.Duration) {
	sentrygo.Flush(timeout)
}

// CaptureError reports a non-panic error.
func CaptureError(err error) {
	if err == nil {
		return
	}
	if hub := sentrygo.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(err)
	}
}
