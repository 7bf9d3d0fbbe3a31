// Package approval issues and verifies signed human-approval tokens for
// actions the compliance gate will not run unattended.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/onnwee/guardrail/internal/compliance"
	"github.com/onnwee/guardrail/internal/policy"
)

// TokenType is the typ claim of approval tokens.
const TokenType = "approval"

// DefaultTTL is how long an approval stays valid when no TTL is given.
const DefaultTTL = time.Hour

// DefaultLeeway tolerates clock skew between the approver and the gate.
const DefaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken is returned when a token cannot be parsed or verified.
	ErrInvalidToken = errors.New("invalid approval token")
	// ErrExpiredToken is returned when the approval has expired.
	ErrExpiredToken = errors.New("approval token has expired")
	// ErrScopeMismatch is returned when a valid token approves a different action.
	ErrScopeMismatch = errors.New("approval token does not cover this action")
	// ErrEmptyApprover is returned when no approver is given.
	ErrEmptyApprover = errors.New("approver cannot be empty")
)

// Claims binds an approval to one action type on one node, and optionally
// to a single action id.
type Claims struct {
	jwt.RegisteredClaims
	ActionType   string `json:"action_type"`
	TargetNodeID string `json:"target_node_id"`
	ActionID     string `json:"action_id,omitempty"`
	Type         string `json:"typ"`
}

// Grant describes what is being approved.
type Grant struct {
	ActionType   string
	TargetNodeID string
	// ActionID restricts the approval to one recommended action. Empty
	// approves any action of ActionType on TargetNodeID.
	ActionID string
	Approver string
	TTL      time.Duration
}

// Service signs approval tokens with the current secret and accepts tokens
// signed with either the current or the previous secret, so secrets can be
// rotated without invalidating outstanding approvals.
type Service struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

var _ compliance.ApprovalVerifier = (*Service)(nil)

// NewService creates a Service. previousSecret may be empty.
func NewService(currentSecret, previousSecret string) *Service {
	svc := &Service{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// WithLeeway sets the clock-skew leeway used during validation.
func (s *Service) WithLeeway(leeway time.Duration) *Service {
	s.leeway = leeway
	return s
}

// Issue signs an approval for g.
func (s *Service) Issue(g Grant) (string, error) {
	if g.Approver == "" {
		return "", ErrEmptyApprover
	}
	if g.ActionType == "" || g.TargetNodeID == "" {
		return "", fmt.Errorf("approval needs an action type and a target node")
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   g.Approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActionType:   g.ActionType,
		TargetNodeID: g.TargetNodeID,
		ActionID:     g.ActionID,
		Type:         TokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// Validate parses tokenString and returns its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyApproval checks that token is valid and covers action.
func (s *Service) VerifyApproval(token string, action policy.RecommendedAction) error {
	claims, err := s.Validate(token)
	if err != nil {
		return err
	}
	if claims.ActionType != action.ActionType || claims.TargetNodeID != action.TargetNodeID {
		return fmt.Errorf("%w: approved %s on %s", ErrScopeMismatch, claims.ActionType, claims.TargetNodeID)
	}
	if claims.ActionID != "" && claims.ActionID != action.ActionID {
		return fmt.Errorf("%w: approved action %s", ErrScopeMismatch, claims.ActionID)
	}
	return nil
}
