package execution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPActuator(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq Request
	status := http.StatusOK
	body := `{"ok":true,"detail":"done"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a, err := NewHTTPActuator(srv.URL+"/", "secret", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	req := Request{ActionID: "a1", ActionType: "restart_service", TargetNodeID: "n1", Params: map[string]any{"grace": "10s"}}

	tests := []struct {
		name      string
		op        func(context.Context, Request) (Response, error)
		status    int
		body      string
		wantPath  string
		wantOK    bool
		wantUnavl bool
	}{
		{name: "invoke ok", op: a.Invoke, status: 200, body: `{"ok":true,"detail":"done"}`, wantPath: "/invoke", wantOK: true},
		{name: "verify reported failure", op: a.Verify, status: 200, body: `{"ok":false,"detail":"still down"}`, wantPath: "/verify"},
		{name: "rollback client error", op: a.Rollback, status: 409, body: "conflict", wantPath: "/rollback"},
		{name: "client error with ok body", op: a.Invoke, status: 400, body: `{"ok":true}`, wantPath: "/invoke"},
		{name: "server error", op: a.Invoke, status: 503, body: "overloaded", wantPath: "/invoke", wantUnavl: true},
		{name: "undecodable success", op: a.Invoke, status: 200, body: "<html>", wantPath: "/invoke", wantUnavl: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body = tt.status, tt.body
			resp, err := tt.op(context.Background(), req)
			if gotPath != tt.wantPath {
				t.Errorf("path = %q, want %q", gotPath, tt.wantPath)
			}
			if gotAuth != "Bearer secret" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotReq.ActionID != "a1" || gotReq.TargetNodeID != "n1" {
				t.Errorf("request body = %+v", gotReq)
			}
			if tt.wantUnavl {
				if !errors.Is(err, ErrActuatorUnavailable) {
					t.Errorf("error = %v, want ErrActuatorUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", resp.OK, tt.wantOK)
			}
		})
	}
}

func TestHTTPActuator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := NewHTTPActuator(url, "", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = a.Invoke(context.Background(), Request{ActionID: "a1", TargetNodeID: "n1"})
	var invErr *InvocationError
	if !errors.As(err, &invErr) || invErr.Op != OpInvoke || invErr.Target != "n1" {
		t.Errorf("error = %v, want InvocationError for invoke on n1", err)
	}
}

func TestNewHTTPActuator_RequiresURL(t *testing.T) {
	if _, err := NewHTTPActuator("", "", 0); err == nil {
		t.Error("NewHTTPActuator(\"\") error = nil")
	}
}
