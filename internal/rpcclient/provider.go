package rpcclient

import "context"

// Provider is spec.md §2's BlockTemplateProvider interface: the boundary
// JobBroker consumes, so a stubbed implementation can stand in during
// tests without a real node.
type Provider interface {
	GetBlockTemplate(ctx context.Context) (*BlockTemplate, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlockCount(ctx context.Context) (int64, error)
}

var _ Provider = (*Client)(nil)
