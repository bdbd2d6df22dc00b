// Package message implements the decoded form of an RPC frame payload.
//
// Payloads are CBOR maps. A payload decodes into exactly one of three
// variants: *Request (produced by the client), *Response (a reply to a request
// id) or *Event (unsolicited, no id). The "type" key selects the variant;
// "response" is the default and may be omitted.
package message

import (
	"fmt"
)

// Kind discriminates the three message variants.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindEvent:
		return "event"
	default:
		return "response"
	}
}

// Message is a decoded payload. The concrete type is *Request, *Response or *Event.
type Message interface {
	Kind() Kind
}

// Request asks the device to run a dotted method such as "volume.set".
type Request struct {
	ID     uint64
	Method string
	Params map[string]any
}

func (*Request) Kind() Kind { return KindRequest }

// Response answers the request with the same ID. Exactly one of Result and
// Error is meaningful: a nil Error means success.
type Response struct {
	ID     uint64
	Result map[string]any
	Error  *RPCError
}

func (*Response) Kind() Kind { return KindResponse }

// Err returns the device-reported failure as an error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Event is an unsolicited notification such as "stats" or "screen.chunk".
// Seq is the device's event counter; zero when the device did not send one.
type Event struct {
	Name   string
	Params map[string]any
	Seq    uint64
}

func (*Event) Kind() Kind { return KindEvent }

// RPCError is an application-level failure reported by the device. It is not
// a transport fault.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes used by the firmware.
const (
	CodeMalformed      int64 = -1
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
)
