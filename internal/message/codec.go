package message

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/impuls42/ats-mini/internal/wire"
)

const (
	typeResponse = "response"
	typeEvent    = "event"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor dec mode: %v", err))
	}
}

// wireMessage is the union of every key any variant may carry.
type wireMessage struct {
	Type   string          `cbor:"type,omitempty"`
	ID     *uint64         `cbor:"id,omitempty"`
	Method string          `cbor:"method,omitempty"`
	Event  string          `cbor:"event,omitempty"`
	Seq    *uint64         `cbor:"seq,omitempty"`
	Params map[string]any  `cbor:"params,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  cbor.RawMessage `cbor:"error,omitempty"`
}

type wireError struct {
	Code    *int64  `cbor:"code"`
	Message *string `cbor:"message"`
}

// Encode serialises any message variant into a CBOR payload (no frame header).
func Encode(m Message) ([]byte, error) {
	var w wireMessage
	switch v := m.(type) {
	case *Request:
		params := v.Params
		if params == nil {
			params = map[string]any{}
		}
		// params is always sent, even when empty.
		return encMode.Marshal(struct {
			ID     uint64         `cbor:"id"`
			Method string         `cbor:"method"`
			Params map[string]any `cbor:"params"`
		}{v.ID, v.Method, params})
	case *Response:
		id := v.ID
		w.Type = typeResponse
		w.ID = &id
		if v.Error != nil {
			raw, err := encMode.Marshal(map[string]any{"code": v.Error.Code, "message": v.Error.Message})
			if err != nil {
				return nil, fmt.Errorf("message: encode error field: %w", err)
			}
			w.Error = raw
		} else {
			result := v.Result
			if result == nil {
				result = map[string]any{}
			}
			raw, err := encMode.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("message: encode result: %w", err)
			}
			w.Result = raw
		}
	case *Event:
		w.Type = typeEvent
		w.Event = v.Name
		w.Params = v.Params
		if v.Seq != 0 {
			seq := v.Seq
			w.Seq = &seq
		}
	case nil:
		return nil, fmt.Errorf("message: cannot encode nil message")
	default:
		return nil, fmt.Errorf("message: unsupported message type %T", m)
	}
	return encMode.Marshal(w)
}

// EncodeRequest builds the payload for a request.
func EncodeRequest(id uint64, method string, params map[string]any) ([]byte, error) {
	return Encode(&Request{ID: id, Method: method, Params: params})
}

// Decode parses a CBOR payload into its strict variant. Any payload that is
// not a map, or that carries keys of the wrong shape, fails with wire.ErrDecode.
func Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", wire.ErrDecode, err)
	}

	switch w.Type {
	case typeEvent:
		if w.Event == "" {
			return nil, fmt.Errorf("%w: event without name", wire.ErrDecode)
		}
		ev := &Event{Name: w.Event, Params: w.Params}
		if ev.Params == nil {
			ev.Params = map[string]any{}
		}
		if w.Seq != nil {
			ev.Seq = *w.Seq
		}
		return ev, nil

	case "", typeResponse:
		if w.ID == nil {
			return nil, fmt.Errorf("%w: %s without id", wire.ErrDecode, kindLabel(&w))
		}
		if w.Type == "" && w.Method != "" && isAbsent(w.Result) && isAbsent(w.Error) {
			params := w.Params
			if params == nil {
				params = map[string]any{}
			}
			return &Request{ID: *w.ID, Method: w.Method, Params: params}, nil
		}
		return decodeResponse(*w.ID, w.Result, w.Error)

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", wire.ErrDecode, w.Type)
	}
}

func decodeResponse(id uint64, result, errField cbor.RawMessage) (*Response, error) {
	resp := &Response{ID: id}
	if !isAbsent(errField) {
		resp.Error = decodeError(errField)
		return resp, nil
	}
	resp.Result = map[string]any{}
	if !isAbsent(result) {
		if err := decMode.Unmarshal(result, &resp.Result); err != nil {
			return nil, fmt.Errorf("%w: result is not a map: %v", wire.ErrDecode, err)
		}
	}
	return resp, nil
}

// decodeError never fails: anything that is not a {code, message} map
// degrades to CodeMalformed with the value rendered as text.
func decodeError(raw cbor.RawMessage) *RPCError {
	var we wireError
	if err := decMode.Unmarshal(raw, &we); err == nil {
		out := &RPCError{Code: CodeMalformed, Message: "unknown"}
		if we.Code != nil {
			out.Code = *we.Code
		}
		if we.Message != nil {
			out.Message = *we.Message
		}
		return out
	}
	var v any
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return &RPCError{Code: CodeMalformed, Message: fmt.Sprintf("%x", []byte(raw))}
	}
	return &RPCError{Code: CodeMalformed, Message: fmt.Sprint(v)}
}

// isAbsent reports a missing key or an explicit CBOR null/undefined.
func isAbsent(raw cbor.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte{0xf6}) || bytes.Equal(raw, []byte{0xf7})
}

func kindLabel(w *wireMessage) string {
	if w.Method != "" {
		return "request"
	}
	return "response"
}

// DecodeParams converts a loosely typed params map into a struct with cbor
// tags, e.g. a stats event into a Stats value.
func DecodeParams(params map[string]any, out any) error {
	raw, err := encMode.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: re-encode params: %v", wire.ErrDecode, err)
	}
	if err := decMode.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: params: %v", wire.ErrDecode, err)
	}
	return nil
}
