package config

import "context"

type contextKey struct{}

// WithConfig returns a context carrying the loaded configuration.
func WithConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext extracts the configuration placed by WithConfig. The second
// return is false when none was attached.
func FromContext(ctx context.Context) (Config, bool) {
	cfg, ok := ctx.Value(contextKey{}).(Config)
	return cfg, ok
}
