package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

// ErrUnknownRequest is returned by Await for an id the Pipeline did not send.
var ErrUnknownRequest = errors.New("rpc: request id not outstanding in pipeline")

// Pipeline keeps several requests in flight on one Engine. Unlike
// Engine.ReadResponse it buffers responses for other outstanding ids, so
// Await may be called in any order.
//
// Responses for ids the Pipeline did not send are still dropped. Do not mix
// Pipeline and direct Engine reads on the same engine.
type Pipeline struct {
	e *Engine

	readMu sync.Mutex // one goroutine reads the transport at a time

	mu          sync.Mutex
	outstanding map[uint64]struct{}
	ready       map[uint64]*message.Response
}

// NewPipeline wraps e.
func NewPipeline(e *Engine) *Pipeline {
	return &Pipeline{
		e:           e,
		outstanding: make(map[uint64]struct{}),
		ready:       make(map[uint64]*message.Response),
	}
}

// Send issues a request and records its id as outstanding.
func (p *Pipeline) Send(ctx context.Context, method string, params map[string]any) (uint64, error) {
	id, err := p.e.Request(ctx, method, params)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.outstanding[id] = struct{}{}
	p.mu.Unlock()
	return id, nil
}

// Pending returns the number of requests not yet awaited.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Await returns the response for id, reading and buffering other responses
// until it arrives or timeout elapses. Timing out leaves id outstanding.
func (p *Pipeline) Await(ctx context.Context, id uint64, timeout time.Duration) (*message.Response, error) {
	deadline := time.Now().Add(timeout)

	p.readMu.Lock()
	defer p.readMu.Unlock()
	for {
		if resp, ok := p.take(id); ok {
			return resp, nil
		}
		if !p.isOutstanding(id) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, wire.Timeoutf("rpc: no response to id %d after %s", id, timeout)
		}
		msg, err := p.e.ReadMessage(ctx, remaining)
		if err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				return nil, wire.Timeoutf("rpc: no response to id %d after %s", id, timeout)
			}
			return nil, err
		}
		switch m := msg.(type) {
		case *message.Event:
			p.e.forward(m)
		case *message.Response:
			p.store(m)
		}
	}
}

// Call sends and awaits in one step.
func (p *Pipeline) Call(ctx context.Context, method string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	id, err := p.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := p.Await(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (p *Pipeline) take(id uint64) (*message.Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, ok := p.ready[id]
	if ok {
		delete(p.ready, id)
		delete(p.outstanding, id)
	}
	return resp, ok
}

func (p *Pipeline) isOutstanding(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.outstanding[id]
	return ok
}

func (p *Pipeline) store(resp *message.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outstanding[resp.ID]; !ok {
		p.e.log.Debug("pipeline: dropping response for unknown id", zap.Uint64("id", resp.ID))
		return
	}
	p.ready[resp.ID] = resp
}
