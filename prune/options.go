package prune

import (
	"log/slog"
)

// Option configures a surgery call.
type Option func(*options)

type options struct {
	copy   bool
	logger *slog.Logger
}

func newOptions(opts []Option) *options {
	o := &options{copy: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCopy selects whether surgery works on a deep copy of the model (the
// default) or updates the caller's model in place. In-place calls leave the
// model untouched when they fail.
func WithCopy(copy bool) Option {
	return func(o *options) { o.copy = copy }
}

// WithLogger sets the logger used for propagation and commit messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
