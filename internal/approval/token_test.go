package approval

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/guardrail/internal/policy"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func restartAction(id string) policy.RecommendedAction {
	return policy.RecommendedAction{ActionID: id, ActionType: "restart_node", TargetNodeID: "router_core_01"}
}

func TestService_Issue(t *testing.T) {
	svc := NewService(testSecret, "")

	tests := []struct {
		name    string
		grant   Grant
		wantErr bool
	}{
		{name: "valid", grant: Grant{ActionType: "restart_node", TargetNodeID: "r1", Approver: "alice"}},
		{name: "bound to action id", grant: Grant{ActionType: "restart_node", TargetNodeID: "r1", ActionID: "a1", Approver: "alice", TTL: time.Minute}},
		{name: "empty approver", grant: Grant{ActionType: "restart_node", TargetNodeID: "r1"}, wantErr: true},
		{name: "empty target", grant: Grant{ActionType: "restart_node", Approver: "alice"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.Issue(tt.grant)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Issue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && strings.Count(token, ".") != 2 {
				t.Errorf("Issue() = %q, not a JWT", token)
			}
		})
	}
}

func TestService_VerifyApproval(t *testing.T) {
	svc := NewService(testSecret, "")
	typeWide, err := svc.Issue(Grant{ActionType: "restart_node", TargetNodeID: "router_core_01", Approver: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	bound, err := svc.Issue(Grant{ActionType: "restart_node", TargetNodeID: "router_core_01", ActionID: "a1", Approver: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	otherNode, err := svc.Issue(Grant{ActionType: "restart_node", TargetNodeID: "edge_02", Approver: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := NewService("another-secret-entirely-another-secret-xx", "").Issue(Grant{ActionType: "restart_node", TargetNodeID: "router_core_01", Approver: "mallory"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		token   string
		action  policy.RecommendedAction
		wantErr error
	}{
		{name: "type-wide approval", token: typeWide, action: restartAction("any")},
		{name: "bound approval for its action", token: bound, action: restartAction("a1")},
		{name: "bound approval for another action", token: bound, action: restartAction("a2"), wantErr: ErrScopeMismatch},
		{name: "other node", token: otherNode, action: restartAction("a1"), wantErr: ErrScopeMismatch},
		{name: "other action type", token: typeWide, action: policy.RecommendedAction{ActionID: "a1", ActionType: "failover", TargetNodeID: "router_core_01"}, wantErr: ErrScopeMismatch},
		{name: "wrong secret", token: foreign, action: restartAction("a1"), wantErr: ErrInvalidToken},
		{name: "garbage", token: "not-a-token", action: restartAction("a1"), wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.VerifyApproval(tt.token, tt.action)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyApproval() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyApproval() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_Expiry(t *testing.T) {
	svc := NewService(testSecret, "").WithLeeway(0)
	issued := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	token, err := svc.Issue(Grant{ActionType: "restart_node", TargetNodeID: "router_core_01", Approver: "alice", TTL: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return issued.Add(5 * time.Minute) }
	if _, err := svc.Validate(token); err != nil {
		t.Errorf("Validate() before expiry error = %v", err)
	}

	svc.now = func() time.Time { return issued.Add(11 * time.Minute) }
	if _, err := svc.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Validate() after expiry error = %v, want ErrExpiredToken", err)
	}
}

func TestService_Rotation(t *testing.T) {
	const oldSecret = "old-secret-old-secret-old-secret-old-secret"
	token, err := NewService(oldSecret, "").Issue(Grant{ActionType: "restart_node", TargetNodeID: "router_core_01", Approver: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	claims, err := NewService(testSecret, oldSecret).Validate(token)
	if err != nil {
		t.Fatalf("Validate() with previous secret error = %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}

	if _, err := NewService(testSecret, "").Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() without previous secret error = %v, want ErrInvalidToken", err)
	}
}

func TestService_RejectsOtherTokenTypes(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ActionType:   "restart_node",
		TargetNodeID: "router_core_01",
		Type:         "access",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService(testSecret, "").Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestService_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		ActionType:       "restart_node",
		TargetNodeID:     "router_core_01",
		Type:             TokenType,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService(testSecret, "").Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}
