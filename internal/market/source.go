package market

import "context"

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Source is a quote feed. Implementations own their reconnect policy and
// close the returned channel when the subscription context ends.
type Source interface {
	Subscribe(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Tick, error)

	Stats() SourceStats

	Close() error
}
