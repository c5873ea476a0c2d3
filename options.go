package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cryguy/workerpool/internal/core"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetricsRegisterer registers the pool's Prometheus metrics on reg.
// Without it no metrics are collected.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) { p.registerer = reg }
}

// WithTopLevelErrorHandler sets the hosting environment's handler for
// runtime errors no worker handled. It may be called from any worker's
// thread. The default logs at error level.
func WithTopLevelErrorHandler(fn func(error)) Option {
	return func(p *Pool) { p.onTopLevel = fn }
}

// WithHandledErrorObserver registers fn to be told about runtime errors the
// owner's error handler reported as handled. It runs on the owner's thread.
func WithHandledErrorObserver(fn func(core.ErrorReport)) Option {
	return func(p *Pool) { p.onHandled = fn }
}

// WithOrigin sets the security origin copied onto every message.
func WithOrigin(origin string) Option {
	return func(p *Pool) { p.origin = origin }
}

// WithEngineConfig overrides DefaultEngineConfig.
func WithEngineConfig(cfg core.EngineConfig) Option {
	return func(p *Pool) { p.cfg = cfg }
}

// WithRuntimeFactory replaces the script engine backend.
func WithRuntimeFactory(fn core.NewRuntimeFunc) Option {
	return func(p *Pool) {
		if fn != nil {
			p.newRuntime = fn
		}
	}
}
