package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnreachable is returned without sending when the target node is offline
	ErrUnreachable = errors.New("node unreachable")

	// ErrMethodNotFound is returned when the target has no handler for the method
	ErrMethodNotFound = errors.New("method not found")

	// ErrTimeout is returned when no response arrives within the call timeout
	ErrTimeout = errors.New("rpc timeout")

	// ErrBadParams is returned when request parameters cannot be decoded
	ErrBadParams = errors.New("bad params")
)

// Error codes carried in responses
const (
	CodeMethodNotFound = "method_not_found"
	CodeBadParams      = "bad_params"
	CodeInternal       = "internal"
)

// Request is the payload of an RPC_REQUEST message
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the payload of an RPC_RESPONSE message.
// The request it answers is identified by the message's correlation id.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// RemoteError is a handler failure reported by another node.
// It unwraps to the sentinel registered for its code.
type RemoteError struct {
	sentinel error
	Code     string
	Message  string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

type registeredError struct {
	err  error
	code string
}

var (
	registryMu sync.RWMutex
	registry   = []registeredError{
		{code: CodeMethodNotFound, err: ErrMethodNotFound},
		{code: CodeBadParams, err: ErrBadParams},
	}
)

// RegisterError maps code to a sentinel so errors survive the round trip.
// Handlers returning an error that wraps err are reported with code, and
// callers receive a RemoteError for which errors.Is(e, err) holds.
func RegisterError(code string, err error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, r := range registry {
		if r.code == code {
			registry[i].err = err
			return
		}
	}
	registry = append(registry, registeredError{code: code, err: err})
}

// codeFor returns the registered code matching err
func codeFor(err error) string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return CodeInternal
}

func sentinelFor(code string) error {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if r.code == code {
			return r.err
		}
	}
	return nil
}

// EncodeRequest builds a request payload
func EncodeRequest(method string, params any) ([]byte, error) {
	req := Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// DecodeRequest parses a request payload
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	if req.Method == "" {
		return req, fmt.Errorf("%w: missing method", ErrBadParams)
	}
	return req, nil
}

// Encode returns the wire form of the response
func (r Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// json.RawMessage and strings always marshal
		panic(err)
	}
	return data
}

// DecodeResponse parses a response payload
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Err returns the remote error carried by r, if any
func (r Response) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error, sentinel: sentinelFor(r.Code)}
}

// Decode unmarshals the result into out; out may be nil
func (r Response) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Params decodes request parameters into out, reporting ErrBadParams on failure
func Params(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}
