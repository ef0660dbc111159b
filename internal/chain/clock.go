package chain

import (
	"context"
	"fmt"
	"time"
)

// BlockClock reports the timestamp of the latest block, so staleness and default
// deadlines are measured in chain time rather than keeper wall time.
type BlockClock struct {
	client *Client
}

// NewBlockClock wraps a client as a clock.
func NewBlockClock(client *Client) *BlockClock {
	return &BlockClock{client: client}
}

// Now returns the latest block timestamp in UTC.
func (b *BlockClock) Now(ctx context.Context) (time.Time, error) {
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest block time: %w", err)
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}
