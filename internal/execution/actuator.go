// Package execution carries approved actions out against the actuation
// surface, with retries, post-execution verification and rollback. Every
// action is bracketed by INTENT and RESULT records in the audit ledger.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Op names an actuation operation.
type Op string

const (
	OpInvoke   Op = "invoke"
	OpVerify   Op = "verify"
	OpRollback Op = "rollback"
)

// Request identifies the action an actuation call applies to.
type Request struct {
	ActionID     string         `json:"action_id"`
	ActionType   string         `json:"action_type"`
	TargetNodeID string         `json:"target_node_id"`
	Params       map[string]any `json:"params,omitempty"`
}

// Response is the actuation surface's answer. OK false is a reported
// failure; a non-nil error means the surface could not be reached.
type Response struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Actuator is the external surface that changes infrastructure.
type Actuator interface {
	Invoke(ctx context.Context, req Request) (Response, error)
	Verify(ctx context.Context, req Request) (Response, error)
	Rollback(ctx context.Context, req Request) (Response, error)
}

// ErrActuatorUnavailable marks failures to reach the actuation surface.
var ErrActuatorUnavailable = errors.New("actuator unavailable")

// InvocationError wraps a failed call to the actuation surface.
type InvocationError struct {
	Op     Op
	Target string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Target, e.Err)
}

func (e *InvocationError) Unwrap() []error {
	return []error{ErrActuatorUnavailable, e.Err}
}

// HTTPActuator calls a remote actuation service. Each operation is a JSON
// POST of Request to BaseURL/<op>, answered with a JSON Response.
type HTTPActuator struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPActuator creates an actuator for baseURL. token, if set, is sent
// as a bearer token.
func NewHTTPActuator(baseURL, token string, timeout time.Duration) (*HTTPActuator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("actuator base URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPActuator{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Invoke implements Actuator.
func (a *HTTPActuator) Invoke(ctx context.Context, req Request) (Response, error) {
	return a.call(ctx, OpInvoke, req)
}

// Verify implements Actuator.
func (a *HTTPActuator) Verify(ctx context.Context, req Request) (Response, error) {
	return a.call(ctx, OpVerify, req)
}

// Rollback implements Actuator.
func (a *HTTPActuator) Rollback(ctx context.Context, req Request) (Response, error) {
	return a.call(ctx, OpRollback, req)
}

func (a *HTTPActuator) call(ctx context.Context, op Op, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding %s request: %w", op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+string(op), bytes.NewReader(body))
	if err != nil {
		return Response{}, &InvocationError{Op: op, Target: req.TargetNodeID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, &InvocationError{Op: op, Target: req.TargetNodeID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, &InvocationError{Op: op, Target: req.TargetNodeID, Err: err}
	}
	if resp.StatusCode >= 500 {
		return Response{}, &InvocationError{Op: op, Target: req.TargetNodeID,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode >= 400 {
			return Response{OK: false, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}, nil
		}
		return Response{}, &InvocationError{Op: op, Target: req.TargetNodeID, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		out.OK = false
	}
	return out, nil
}

// FuncActuator adapts plain functions to Actuator. A nil function reports
// success.
type FuncActuator struct {
	InvokeFunc   func(ctx context.Context, req Request) (Response, error)
	VerifyFunc   func(ctx context.Context, req Request) (Response, error)
	RollbackFunc func(ctx context.Context, req Request) (Response, error)
}

// Invoke implements Actuator.
func (f *FuncActuator) Invoke(ctx context.Context, req Request) (Response, error) {
	if f.InvokeFunc == nil {
		return Response{OK: true}, nil
	}
	return f.InvokeFunc(ctx, req)
}

// Verify implements Actuator.
func (f *FuncActuator) Verify(ctx context.Context, req Request) (Response, error) {
	if f.VerifyFunc == nil {
		return Response{OK: true}, nil
	}
	return f.VerifyFunc(ctx, req)
}

// Rollback implements Actuator.
func (f *FuncActuator) Rollback(ctx context.Context, req Request) (Response, error) {
	if f.RollbackFunc == nil {
		return Response{OK: true}, nil
	}
	return f.RollbackFunc(ctx, req)
}
