//go:build !mdns

package discovery

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnavailable is returned when mDNS support is not compiled in.
var ErrUnavailable = errors.New("discovery: built without mdns support")

type noop struct {
	logger *slog.Logger
}

// New returns a discoverer that does nothing; build with -tags mdns for
// network discovery.
func New(logger *slog.Logger) Discoverer {
	return &noop{logger: logger}
}

func (n *noop) Advertise(ctx context.Context, instance string, _ int, _ map[string]string) error {
	n.logger.Warn("discovery enabled but binary built without mdns tag", "instance", instance)
	<-ctx.Done()
	return nil
}

func (n *noop) Scan(context.Context) ([]Instance, error) {
	return nil, ErrUnavailable
}
