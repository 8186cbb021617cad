package httpproxy

import (
	"context"
	"net"
	"sync"
)

// pool runs ServeConn for accepted connections on a fixed number of
// goroutines. Connections wait in a bounded queue; when it is full,
// submit blocks the accept loop instead of dropping the connection.
type pool struct {
	tasks chan net.Conn
	wg    sync.WaitGroup
}

func newPool(ctx context.Context, workers, queueSize int, handler ConnHandler) *pool {
	p := &pool{tasks: make(chan net.Conn, queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for nc := range p.tasks {
				handler.ServeConn(ctx, nc)
			}
		}()
	}
	return p
}

// submit queues nc. It gives up and closes nc if ctx ends first.
func (p *pool) submit(ctx context.Context, nc net.Conn) bool {
	select {
	case p.tasks <- nc:
		return true
	case <-ctx.Done():
		nc.Close()
		return false
	}
}

// close stops accepting tasks and waits for queued ones to finish.
func (p *pool) close() {
	close(p.tasks)
	p.wg.Wait()
}
