package parley

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
)

// A Message is one decoded wire frame: a *Request, *Response, or
// *Notification. Messages are never mutated after creation.
type Message interface {
	// Encode renders the message as a JSON text frame. Encoding is pure and
	// round-trips losslessly through ParseMessage for all three variants.
	Encode() ([]byte, error)

	message()
}

// A Request asks the remote peer to perform a method and expects a Response
// carrying the same correlation id.
type Request struct {
	ID     uint32
	Method string
	Data   map[string]any
}

// A Response answers the Request with the matching ID. OK distinguishes the
// success shape (Data) from the failure shape (ErrorCode, ErrorReason).
type Response struct {
	ID          uint32
	OK          bool
	Data        map[string]any
	ErrorCode   int
	ErrorReason string
}

// A Notification is a fire-and-forget message with no correlation id and no
// reply.
type Notification struct {
	Method string
	Data   map[string]any
}

func (*Request) message()      {}
func (*Response) message()     {}
func (*Notification) message() {}

// NewRequest constructs a request for method with a freshly generated
// correlation id. A nil data map is normalized to an empty object.
func NewRequest(method string, data map[string]any) *Request {
	return &Request{ID: generateID(), Method: method, Data: orEmpty(data)}
}

// NewSuccessResponse constructs the success response for req.
func NewSuccessResponse(req *Request, data map[string]any) *Response {
	return &Response{ID: req.ID, OK: true, Data: orEmpty(data)}
}

// NewErrorResponse constructs the failure response for req.
func NewErrorResponse(req *Request, errorCode int, errorReason string) *Response {
	return &Response{ID: req.ID, ErrorCode: errorCode, ErrorReason: errorReason}
}

// NewNotification constructs a notification for method. A nil data map is
// normalized to an empty object.
func NewNotification(method string, data map[string]any) *Notification {
	return &Notification{Method: method, Data: orEmpty(data)}
}

// generateID returns a request id. Ids are positive and random rather than
// sequential, matching the ids the browser side of the protocol generates.
func generateID() uint32 { return rand.Uint32()%10000000 + 1 }

func orEmpty(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// Encode implements part of the Message interface.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Request bool           `json:"request"`
		ID      uint32         `json:"id"`
		Method  string         `json:"method"`
		Data    map[string]any `json:"data"`
	}{true, r.ID, r.Method, orEmpty(r.Data)})
}

// Encode implements part of the Message interface.
func (r *Response) Encode() ([]byte, error) {
	if r.OK {
		return json.Marshal(struct {
			Response bool           `json:"response"`
			ID       uint32         `json:"id"`
			OK       bool           `json:"ok"`
			Data     map[string]any `json:"data"`
		}{true, r.ID, true, orEmpty(r.Data)})
	}
	return json.Marshal(struct {
		Response    bool   `json:"response"`
		ID          uint32 `json:"id"`
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"errorCode"`
		ErrorReason string `json:"errorReason"`
	}{true, r.ID, false, r.ErrorCode, r.ErrorReason})
}

// Encode implements part of the Message interface.
func (n *Notification) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Notification bool           `json:"notification"`
		Method       string         `json:"method"`
		Data         map[string]any `json:"data"`
	}{true, n.Method, orEmpty(n.Data)})
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(id=%d, method=%q)", r.ID, r.Method)
}

func (r *Response) String() string {
	if r.OK {
		return fmt.Sprintf("Response(id=%d, ok)", r.ID)
	}
	return fmt.Sprintf("Response(id=%d, code=%d, reason=%q)", r.ID, r.ErrorCode, r.ErrorReason)
}

func (n *Notification) String() string {
	return fmt.Sprintf("Notification(method=%q)", n.Method)
}

// ParseMessage decodes one raw frame. It reports an error wrapping
// ErrInvalidMessage if the payload is not a JSON object, does not carry
// exactly one of the three shape markers, or is missing a required field.
// Callers must treat a decode failure as "drop silently": log it locally and
// do not propagate it into message handling.
func ParseMessage(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidMessage, err)
	}

	isReq, err := marker(fields, "request")
	if err != nil {
		return nil, err
	}
	isRsp, err := marker(fields, "response")
	if err != nil {
		return nil, err
	}
	isNote, err := marker(fields, "notification")
	if err != nil {
		return nil, err
	}

	switch {
	case isReq && !isRsp && !isNote:
		method, err := stringField(fields, "method")
		if err != nil {
			return nil, err
		} else if method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrInvalidMessage)
		}
		id, err := idField(fields)
		if err != nil {
			return nil, err
		}
		data, err := dataField(fields)
		if err != nil {
			return nil, err
		}
		return &Request{ID: id, Method: method, Data: data}, nil

	case isRsp && !isReq && !isNote:
		id, err := idField(fields)
		if err != nil {
			return nil, err
		}
		ok, err := marker(fields, "ok")
		if err != nil {
			return nil, err
		}
		if ok {
			data, err := dataField(fields)
			if err != nil {
				return nil, err
			}
			return &Response{ID: id, OK: true, Data: data}, nil
		}
		rsp := &Response{ID: id}
		if raw, present := fields["errorCode"]; present {
			var code int
			if err := json.Unmarshal(raw, &code); err != nil {
				return nil, fmt.Errorf("%w: invalid errorCode: %v", ErrInvalidMessage, err)
			}
			rsp.ErrorCode = code
		}
		if raw, present := fields["errorReason"]; present {
			if err := json.Unmarshal(raw, &rsp.ErrorReason); err != nil {
				return nil, fmt.Errorf("%w: invalid errorReason: %v", ErrInvalidMessage, err)
			}
		}
		return rsp, nil

	case isNote && !isReq && !isRsp:
		method, err := stringField(fields, "method")
		if err != nil {
			return nil, err
		} else if method == "" {
			return nil, fmt.Errorf("%w: empty method", ErrInvalidMessage)
		}
		data, err := dataField(fields)
		if err != nil {
			return nil, err
		}
		return &Notification{Method: method, Data: data}, nil

	case !isReq && !isRsp && !isNote:
		return nil, fmt.Errorf("%w: missing request/response/notification marker", ErrInvalidMessage)

	default:
		return nil, fmt.Errorf("%w: multiple shape markers", ErrInvalidMessage)
	}
}

// marker decodes an optional boolean field. An absent field counts as false.
func marker(fields map[string]json.RawMessage, name string) (bool, error) {
	raw, present := fields[name]
	if !present {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%w: invalid %s marker: %v", ErrInvalidMessage, name, err)
	}
	return v, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, present := fields[name]
	if !present {
		return "", fmt.Errorf("%w: missing %s field", ErrInvalidMessage, name)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: invalid %s field: %v", ErrInvalidMessage, name, err)
	}
	return v, nil
}

func idField(fields map[string]json.RawMessage) (uint32, error) {
	raw, present := fields["id"]
	if !present {
		return 0, fmt.Errorf("%w: missing id field", ErrInvalidMessage)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: invalid id field: %v", ErrInvalidMessage, err)
	}
	if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: id out of range", ErrInvalidMessage)
	}
	return uint32(v), nil
}

// dataField decodes the optional data object. An absent data field is
// normalized to an empty object.
func dataField(fields map[string]json.RawMessage) (map[string]any, error) {
	raw, present := fields["data"]
	if !present {
		return map[string]any{}, nil
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: invalid data field: %v", ErrInvalidMessage, err)
	}
	return orEmpty(v), nil
}
