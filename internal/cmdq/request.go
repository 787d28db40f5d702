package cmdq

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bgatt/internal/bgapi"
)

// Request tracks one enqueued command until its response arrives or it fails.
type Request struct {
	cmd        bgapi.Command
	enqueuedAt time.Time

	once sync.Once
	done chan struct{}
	resp bgapi.Response
	err  error
}

func newRequest(cmd bgapi.Command) *Request {
	return &Request{
		cmd:        cmd,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// Command returns the command this request carries.
func (r *Request) Command() bgapi.Command {
	return r.cmd
}

// Done is closed once the request has a response or an error.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Response returns the correlated response. Only valid after Done is closed.
func (r *Request) Response() bgapi.Response {
	<-r.done
	return r.resp
}

// Err returns the transport error, or the controller's result error, once the
// request has completed. It returns nil while the request is still pending.
func (r *Request) Err() error {
	select {
	case <-r.done:
	default:
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return r.resp.Err()
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (bgapi.Response, error) {
	select {
	case <-r.done:
		return r.resp, r.Err()
	case <-ctx.Done():
		return bgapi.Response{}, ctx.Err()
	}
}

func (r *Request) finish(resp bgapi.Response, err error) {
	r.once.Do(func() {
		r.resp = resp
		r.err = err
		close(r.done)
	})
}
