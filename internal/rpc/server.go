package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DefaultReplayCacheSize bounds the number of responses kept for replay
const DefaultReplayCacheSize = 1024

// HandlerFunc serves one method. The returned value is JSON encoded as the result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests to registered handlers.
// Responses are cached by request message id: a re-delivered request
// replays its cached response and never runs the handler twice.
type Server struct {
	handlers  map[string]HandlerFunc
	responses map[string]Response
	order     []string // request ids, oldest first
	limit     int
	mu        sync.Mutex
}

// NewServer creates a server with an empty method table
func NewServer() *Server {
	return &Server{
		handlers:  make(map[string]HandlerFunc),
		responses: make(map[string]Response),
		limit:     DefaultReplayCacheSize,
	}
}

// Handle registers h for method, replacing any previous handler
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods lists registered method names in order
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Cached returns the response already produced for requestID
func (s *Server) Cached(requestID string) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.responses[requestID]
	return resp, ok
}

// Dispatch runs the handler for req and caches the response under requestID.
// A request id seen before returns the cached response.
func (s *Server) Dispatch(ctx context.Context, requestID string, req Request) Response {
	if resp, ok := s.Cached(requestID); ok {
		return resp
	}

	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	var resp Response
	if !ok {
		resp = errorResponse(fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method))
	} else {
		resp = call(ctx, h, req.Params)
	}

	s.remember(requestID, resp)
	return resp
}

func call(ctx context.Context, h HandlerFunc, params json.RawMessage) Response {
	result, err := h(ctx, params)
	if err != nil {
		return errorResponse(err)
	}
	if result == nil {
		return Response{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(fmt.Errorf("encode result: %w", err))
	}
	return Response{Result: raw}
}

func errorResponse(err error) Response {
	return Response{Error: err.Error(), Code: codeFor(err)}
}

func (s *Server) remember(requestID string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[requestID]; ok {
		return
	}
	s.responses[requestID] = resp
	s.order = append(s.order, requestID)
	for len(s.order) > s.limit {
		delete(s.responses, s.order[0])
		s.order = s.order[1:]
	}
}
