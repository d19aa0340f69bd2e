// Package logging is the process's structured-logging facade: a thin
// wrapper around controller-runtime's zap integration, matching
// operator/cmd/main.go's own ctrl.SetLogger(zap.New(...)) call so every
// subsystem's logf.FromContext/logr.Logger calls reach the same sink.
package logging

import (
	"flag"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options mirrors the flag surface operator/cmd/main.go binds from zap.Options,
// narrowed to the one knob cmd/cicd actually exposes.
type Options struct {
	Development bool
}

// BindFlags registers -development on fs, following zap.Options.BindFlags'
// convention of flag ownership living next to the options struct.
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.BoolVar(&o.Development, "development", false,
		"Enable development-mode logging (human-readable, debug-level).")
}

// Init installs a zap-backed logr.Logger as both controller-runtime's global
// logger and the value returned for direct use, so cmd/cicd and every
// controller-runtime subsystem it drives share one sink.
func Init(opts Options) logr.Logger {
	zapOpts := zap.Options{Development: opts.Development}
	log := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(log)
	return log
}
