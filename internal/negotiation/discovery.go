package negotiation

import "context"

type discoveryKey struct{}

// WithDiscoveryURL marks the request as having a Markdown alternate at url.
func WithDiscoveryURL(ctx context.Context, url string) context.Context {
	return context.WithValue(ctx, discoveryKey{}, url)
}

// DiscoveryURL returns the Markdown alternate URL recorded for the request.
func DiscoveryURL(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(discoveryKey{}).(string)
	return u, ok && u != ""
}
