package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

// Handler serves one function. It receives the raw JSON request.
type Handler func(ctx context.Context, req json.RawMessage) (any, error)

// FunctionError is a structured failure returned by a remote function.
type FunctionError struct {
	Function string `json:"-"`
	Code     string `json:"code"`
	Message  string `json:"error"`
}

// Codes a function may report.
const (
	CodeNotFound          = "not-found"
	CodeUnimplemented     = "unimplemented"
	CodeInvalid           = "invalid-argument"
	CodeInternal          = "internal"
	CodeResourceExhausted = "resource-exhausted"
)

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s: %s (%s)", e.Function, e.Message, e.Code)
}

func (e *FunctionError) Unwrap() error {
	return apperrors.ErrRemoteRequest
}

// LocalInvoker dispatches function calls to in-process handlers. Requests
// and responses round-trip through JSON so handlers see exactly what a
// remote backend would.
type LocalInvoker struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalInvoker returns an invoker with no functions registered.
func NewLocalInvoker() *LocalInvoker {
	return &LocalInvoker{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous handler.
func (l *LocalInvoker) Register(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[name] = h
}

// Unregister removes name. Calls to it then fail with CodeUnimplemented.
func (l *LocalInvoker) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.handlers, name)
}

// Invoke implements Invoker.
func (l *LocalInvoker) Invoke(ctx context.Context, name string, req, resp any) error {
	l.mu.RLock()
	h, ok := l.handlers[name]
	l.mu.RUnlock()

	if !ok {
		return &FunctionError{Function: name, Code: CodeUnimplemented, Message: "function not deployed"}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	out, err := h(ctx, raw)
	if err != nil {
		return err
	}

	if resp == nil {
		return nil
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding %s response: %w", name, err)
	}

	if err := json.Unmarshal(encoded, resp); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", apperrors.ErrRemoteResponse, name, err)
	}

	return nil
}
