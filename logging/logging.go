// Package logging wires the structured logger every other package
// accepts through a logr.Logger constructor argument: logr as the
// facade, zap as the backing implementation — the pairing
// jordigilh-kubernaut uses (go-logr/zapr over go.uber.org/zap).
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewZapLogger returns a production zap configuration wrapped as a
// logr.Logger, the facade lock/queue/jobs/dispatcher constructors take.
func NewZapLogger() (logr.Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// NewDiscardLogger is the default used when callers don't wire a real
// logger in (tests, short-lived examples).
func NewDiscardLogger() logr.Logger {
	return logr.Discard()
}
