package dispatch

import (
	"context"

	"github.com/c360/ruuvigw/message"
)

// Sink is the client side of one downstream system.
//
// Connect must be safe to call again after a failure and replace any previous client.
// Publish reports delivery of the whole item. An error classified Invalid means the item
// cannot be encoded and drops it. Any other error, including a remote rejection marked with
// errors.ErrPublishRejected, triggers the resend path. Implementations bound their own timeouts.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, item *message.Item) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
