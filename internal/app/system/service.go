package system

import "context"

// Service is a background worker owned by the Manager: the indexer loop,
// the withdrawal expirer and the pending-transfer sweeper. Start must not
// block; Stop waits for in-flight work to finish or ctx to expire.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
