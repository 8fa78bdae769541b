package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("rabbitmq: channel pool closed")
	errConnClosed = errors.New("rabbitmq: connection closed")
)

// channelPool keeps up to capacity publishing channels open on one connection.
type channelPool struct {
	conn   *amqp.Connection
	idle   chan *amqp.Channel
	closed atomic.Bool
	mu     sync.Mutex
}

func newChannelPool(conn *amqp.Connection, capacity int) *channelPool {
	if capacity <= 0 {
		capacity = 4
	}
	return &channelPool{conn: conn, idle: make(chan *amqp.Channel, capacity)}
}

func (p *channelPool) borrow(ctx context.Context) (*amqp.Channel, error) {
	if p.closed.Load() {
		return nil, errPoolClosed
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ch := <-p.idle:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.conn.IsClosed() {
				return nil, errConnClosed
			}
			return p.conn.Channel()
		}
	}
}

func (p *channelPool) give(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if p.closed.Load() || ch.IsClosed() {
		_ = safeClose(ch)
		return
	}
	select {
	case p.idle <- ch:
	default:
		_ = safeClose(ch)
	}
}

func (p *channelPool) close() {
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case ch := <-p.idle:
			_ = safeClose(ch)
		default:
			return
		}
	}
}

func safeClose(ch *amqp.Channel) error {
	if ch == nil || ch.IsClosed() {
		return nil
	}
	return ch.Close()
}
