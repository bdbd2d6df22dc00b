package transporttest

import (
	"fmt"
	"sync"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

// Reply is a scripted answer to one request.
type Reply struct {
	Result map[string]any
	Error  *message.RPCError
	// Before is delivered ahead of the response, After behind it.
	Before []message.Message
	After  []message.Message
	// Silent suppresses the response itself.
	Silent bool
}

// Handler produces the reply for a decoded request.
type Handler func(req *message.Request) Reply

// Device is a Fake that decodes every written request and answers it from
// its handler table. Unknown methods fail with CodeMethodNotFound.
type Device struct {
	*Fake

	mu       sync.Mutex
	handlers map[string]Handler
	requests []*message.Request
	seq      uint64
}

func NewDevice() *Device {
	d := &Device{Fake: NewFake(), handlers: make(map[string]Handler)}
	d.Fake.OnWrite = d.handle
	return d
}

// Handle installs h for method.
func (d *Device) Handle(method string, h Handler) {
	d.mu.Lock()
	d.handlers[method] = h
	d.mu.Unlock()
}

// Respond answers method with a fixed result.
func (d *Device) Respond(method string, result map[string]any) {
	d.Handle(method, func(*message.Request) Reply { return Reply{Result: result} })
}

// Fail answers method with an application error.
func (d *Device) Fail(method string, code int64, msg string) {
	d.Handle(method, func(*message.Request) Reply {
		return Reply{Error: &message.RPCError{Code: code, Message: msg}}
	})
}

// Event builds an event carrying the device's next sequence number.
func (d *Device) Event(name string, params map[string]any) *message.Event {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()
	return &message.Event{Name: name, Params: params, Seq: seq}
}

// Emit queues an unsolicited event.
func (d *Device) Emit(name string, params map[string]any) {
	d.PushMessage(d.Event(name, params))
}

// Requests returns every request received so far.
func (d *Device) Requests() []*message.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*message.Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// LastRequest returns the most recent request, or nil.
func (d *Device) LastRequest() *message.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return nil
	}
	return d.requests[len(d.requests)-1]
}

func (d *Device) handle(frame []byte) {
	payload, err := wire.DecodeFrame(frame)
	if err != nil {
		return
	}
	msg, err := message.Decode(payload)
	if err != nil {
		return
	}
	req, ok := msg.(*message.Request)
	if !ok {
		return
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	h := d.handlers[req.Method]
	d.mu.Unlock()

	var reply Reply
	if h == nil {
		reply.Error = &message.RPCError{
			Code:    message.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	} else {
		reply = h(req)
	}

	for _, m := range reply.Before {
		d.PushMessage(m)
	}
	if !reply.Silent {
		d.PushMessage(&message.Response{ID: req.ID, Result: reply.Result, Error: reply.Error})
	}
	for _, m := range reply.After {
		d.PushMessage(m)
	}
}
