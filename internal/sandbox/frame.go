// Package sandbox owns one run_python invocation end to end: the generated
// in-sandbox entrypoint, the framed stdio channel to the container, the host
// RPC dispatcher, and the container lifecycle.
package sandbox

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MaxFrameBytes bounds one newline-delimited frame. Longer lines are a
// protocol error.
const MaxFrameBytes = 4 << 20

// Frame kinds on the host <-> sandbox channel.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindStdout   = "stdout"
	KindStderr   = "stderr"
	KindDone     = "done"
)

// Error codes carried in response frames and the result envelope.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnknownServer   = "unknown_server"
	CodeUnavailable     = "downstream_unavailable"
	CodeDownstreamError = "downstream_error"
	CodeSandboxTimeout  = "sandbox_timeout"
	CodeSandboxCrash    = "sandbox_crash"
	CodeUnknownMethod   = "unknown_method"
	CodeProtocolError   = "protocol_error"
)

// FrameError is the error object of a failed response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is one JSON object on the bridge channel. Which fields are
// meaningful depends on Kind; the codec enforces the per-kind shape.
type Frame struct {
	Kind   string          // all kinds
	ID     uint64          // request, response
	Method string          // request
	Params json.RawMessage // request
	OK     bool            // response
	Result json.RawMessage // successful response
	Err    *FrameError     // failed response
	Data   string          // stdout, stderr
	Status string          // done: "ok" | "error"
	Fault  string          // done: optional error string
}

// The wire grammar overloads the "error" key: an object on response frames,
// a string on done frames. The codec keeps both under one Go type by
// marshaling per kind.

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case KindRequest:
		return json.Marshal(struct {
			Kind   string          `json:"kind"`
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}{f.Kind, f.ID, f.Method, f.Params})
	case KindResponse:
		if f.OK {
			return json.Marshal(struct {
				Kind   string          `json:"kind"`
				ID     uint64          `json:"id"`
				OK     bool            `json:"ok"`
				Result json.RawMessage `json:"result"`
			}{f.Kind, f.ID, true, f.Result})
		}
		if f.Err == nil {
			return nil, fmt.Errorf("sandbox: failed response frame %d has no error", f.ID)
		}
		return json.Marshal(struct {
			Kind string      `json:"kind"`
			ID   uint64      `json:"id"`
			OK   bool        `json:"ok"`
			Err  *FrameError `json:"error"`
		}{f.Kind, f.ID, false, f.Err})
	case KindStdout, KindStderr:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			Data string `json:"data"`
		}{f.Kind, f.Data})
	case KindDone:
		return json.Marshal(struct {
			Kind   string `json:"kind"`
			Status string `json:"status"`
			Fault  string `json:"error,omitempty"`
		}{f.Kind, f.Status, f.Fault})
	default:
		return nil, fmt.Errorf("sandbox: unrecognized frame kind %q", f.Kind)
	}
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var shadow struct {
		Kind   string          `json:"kind"`
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		OK     *bool           `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
		Data   string          `json:"data"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}

	*f = Frame{Kind: shadow.Kind}
	switch shadow.Kind {
	case KindRequest:
		if shadow.Method == "" {
			return fmt.Errorf("sandbox: request frame without method")
		}
		f.ID = shadow.ID
		f.Method = shadow.Method
		f.Params = shadow.Params
	case KindResponse:
		if shadow.OK == nil {
			return fmt.Errorf("sandbox: response frame without ok")
		}
		f.ID = shadow.ID
		f.OK = *shadow.OK
		if f.OK {
			f.Result = shadow.Result
		} else {
			var fe FrameError
			if err := json.Unmarshal(shadow.Error, &fe); err != nil {
				return fmt.Errorf("sandbox: response frame error object: %w", err)
			}
			f.Err = &fe
		}
	case KindStdout, KindStderr:
		f.Data = shadow.Data
	case KindDone:
		if shadow.Status != "ok" && shadow.Status != "error" {
			return fmt.Errorf("sandbox: done frame status %q", shadow.Status)
		}
		f.Status = shadow.Status
		if len(shadow.Error) > 0 {
			if err := json.Unmarshal(shadow.Error, &f.Fault); err != nil {
				return fmt.Errorf("sandbox: done frame error string: %w", err)
			}
		}
	default:
		return fmt.Errorf("sandbox: unrecognized frame kind %q", shadow.Kind)
	}
	return nil
}

// EncodeFrame renders a frame as one newline-terminated line.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := f.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if len(data)+1 > MaxFrameBytes {
		return nil, fmt.Errorf("sandbox: frame exceeds %d bytes", MaxFrameBytes)
	}
	return append(data, '\n'), nil
}

// DecodeFrame parses one line (without requiring the trailing newline) into
// a frame, enforcing the size cap, UTF-8 validity, and per-kind shape.
func DecodeFrame(line []byte) (Frame, error) {
	if len(line) > MaxFrameBytes {
		return Frame{}, fmt.Errorf("sandbox: %s: line exceeds %d bytes", CodeProtocolError, MaxFrameBytes)
	}
	if !utf8.Valid(line) {
		return Frame{}, fmt.Errorf("sandbox: %s: line is not valid UTF-8", CodeProtocolError)
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("sandbox: %s: %v", CodeProtocolError, err)
	}
	return f, nil
}

// ErrorResponse builds a failed response frame.
func ErrorResponse(id uint64, code, message string) Frame {
	return Frame{Kind: KindResponse, ID: id, Err: &FrameError{Code: code, Message: message}}
}

// OKResponse builds a successful response frame around an already-encoded
// result value.
func OKResponse(id uint64, result json.RawMessage) Frame {
	if result == nil {
		result = json.RawMessage("null")
	}
	return Frame{Kind: KindResponse, ID: id, OK: true, Result: result}
}
