package moonraker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const jsonrpcVersion = "2.0"

// Notification topics pushed by the host.
const (
	TopicStatusUpdate     = "notify_status_update"
	TopicKlippyReady      = "notify_klippy_ready"
	TopicKlippyShutdown   = "notify_klippy_shutdown"
	TopicKlippyDisconnect = "notify_klippy_disconnected"
	TopicGCodeResponse    = "notify_gcode_response"
	TopicPowerChanged     = "notify_power_changed"
	TopicUnrecognized     = "*"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is an unsolicited frame from the host.
type Notification struct {
	Method   string
	Params   json.RawMessage
	Received time.Time
}

// Arg decodes the i-th positional parameter into v.  Moonraker sends
// notification parameters as an array.
func (n Notification) Arg(i int, v any) error {
	var args []json.RawMessage
	if err := json.Unmarshal(n.Params, &args); err != nil {
		return fmt.Errorf("%s: params: %w", n.Method, err)
	}
	if i < 0 || len(args) <= i {
		return fmt.Errorf("%s: no parameter %d (have %d)", n.Method, i, len(args))
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("%s: parameter %d: %w", n.Method, i, err)
	}
	return nil
}

// inbound is a classified inbound frame: either a response (isResponse)
// or a notification.
type inbound struct {
	isResponse bool
	id         int64
	result     json.RawMessage
	rpcErr     *RPCError

	notification Notification
}

var null = []byte("null")

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), null)
}

// parseFrame classifies a raw frame.  Frames with an id are responses,
// frames without one are notifications.  Everything else is malformed.
func parseFrame(data []byte, now time.Time) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if rawID, ok := fields["id"]; ok && !isNull(rawID) {
		var id int64
		if err := json.Unmarshal(rawID, &id); err != nil {
			return inbound{}, fmt.Errorf("%w: non-integer id %s", ErrMalformedFrame, rawID)
		}
		in := inbound{isResponse: true, id: id}
		if rawErr, ok := fields["error"]; ok && !isNull(rawErr) {
			var we wireError
			if err := json.Unmarshal(rawErr, &we); err != nil {
				return inbound{}, fmt.Errorf("%w: error object: %v", ErrMalformedFrame, err)
			}
			in.rpcErr = &RPCError{Code: we.Code, Message: we.Message}
			return in, nil
		}
		result, ok := fields["result"]
		if !ok {
			return inbound{}, fmt.Errorf("%w: response %d has neither result nor error", ErrMalformedFrame, id)
		}
		in.result = result
		return in, nil
	}

	rawMethod, ok := fields["method"]
	if !ok {
		return inbound{}, fmt.Errorf("%w: no id and no method", ErrMalformedFrame)
	}
	var method string
	if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
		return inbound{}, fmt.Errorf("%w: invalid method %s", ErrMalformedFrame, rawMethod)
	}
	return inbound{
		notification: Notification{
			Method:   method,
			Params:   fields["params"],
			Received: now,
		},
	}, nil
}
