package fsm

import (
	"context"
	"errors"

	"github.com/cuemby/minipd/pkg/storage"
)

// Client is the external interface (component 4.F) collaborators such as
// pkg/allocator and pkg/service use to talk to a Driver: it turns the raw
// send-a-Msg-and-wait-on-a-channel protocol into context-aware calls,
// without ever touching the driver's internal state directly.
type Client struct {
	inbox chan<- Msg
}

// NewClient wraps a driver's inbox (Driver.Inbox()).
func NewClient(inbox chan<- Msg) *Client {
	return &Client{inbox: inbox}
}

// Propose submits already-encoded command bytes and waits for the commit
// result. See command.go's EncodePut/EncodeUpdateAddress for building data.
func (c *Client) Propose(ctx context.Context, data []byte) error {
	notifier := make(chan Res, 1)
	if err := c.send(ctx, NewCommandMsg(data, notifier)); err != nil {
		return err
	}
	res, err := c.wait(ctx, notifier)
	if err != nil {
		return err
	}
	if res.Kind == ResFail {
		return errors.New(res.Err)
	}
	return nil
}

// Increment submits already-encoded IncrementCommand bytes (see
// EncodeIncrement) and returns the new total the command computed.
func (c *Client) Increment(ctx context.Context, data []byte) (uint64, error) {
	notifier := make(chan Res, 1)
	if err := c.send(ctx, NewCommandMsg(data, notifier)); err != nil {
		return 0, err
	}
	res, err := c.wait(ctx, notifier)
	if err != nil {
		return 0, err
	}
	if res.Kind == ResFail {
		return 0, errors.New(res.Err)
	}
	return res.Value, nil
}

// Snapshot requests a linearizable point-in-time read. The caller must
// Close the returned snapshot.
func (c *Client) Snapshot(ctx context.Context) (*storage.EngineSnapshot, error) {
	notifier := make(chan Res, 1)
	if err := c.send(ctx, NewSnapshotMsg(notifier)); err != nil {
		return nil, err
	}
	res, err := c.wait(ctx, notifier)
	if err != nil {
		return nil, err
	}
	if res.Kind == ResFail {
		return nil, errors.New(res.Err)
	}
	return res.Snapshot, nil
}

// WaitLeader blocks until a leader is known, returning its id.
func (c *Client) WaitLeader(ctx context.Context) (uint64, error) {
	notifier := make(chan Res, 1)
	if err := c.send(ctx, NewWaitTillLeaderMsg(notifier)); err != nil {
		return 0, err
	}
	res, err := c.wait(ctx, notifier)
	if err != nil {
		return 0, err
	}
	if res.Kind == ResFail {
		return 0, errors.New(res.Err)
	}
	return res.Leader, nil
}

func (c *Client) send(ctx context.Context, msg Msg) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) wait(ctx context.Context, notifier chan Res) (Res, error) {
	select {
	case res := <-notifier:
		return res, nil
	case <-ctx.Done():
		return Res{}, ctx.Err()
	}
}
