package grant

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuerName     = "screenrec"
	captureSubject = "screen-capture"
	actionSubject  = "recording-action"
)

var (
	ErrDenied   = errors.New("screen capture permission denied")
	ErrConsumed = errors.New("capture grant already consumed")
	ErrInvalid  = errors.New("invalid capture grant")
)

// Grant authorizes exactly one recorder start.
type Grant struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the grant is past its expiry at now.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

type ActionClaims struct {
	Action string `json:"action"`
	jwt.RegisteredClaims
}

// Issuer signs capture grants and notification action tokens.
type Issuer struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewIssuer(secretKey string, ttl time.Duration) *Issuer {
	return &Issuer{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue creates a fresh grant with a unique id.
func (i *Issuer) Issue() (*Grant, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuerName,
		Subject:   captureSubject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secretKey)
	if err != nil {
		return nil, fmt.Errorf("sign grant: %w", err)
	}

	return &Grant{
		ID:        claims.ID,
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the grant signature, expiry and that the token id matches g.ID.
func (i *Issuer) Verify(g *Grant) error {
	if g == nil || g.Token == "" {
		return ErrInvalid
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(g.Token, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithSubject(captureSubject),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ID == "" || claims.ID != g.ID {
		return fmt.Errorf("%w: token id mismatch", ErrInvalid)
	}
	return nil
}

// IssueAction signs a token carrying a recording action (e.g. STOP) for
// use outside the UI, such as a notification button.
func (i *Issuer) IssueAction(action string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &ActionClaims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuerName,
			Subject:   actionSubject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}

// VerifyAction returns the action carried by a token from IssueAction.
func (i *Issuer) VerifyAction(tokenString string) (string, error) {
	claims := &ActionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithSubject(actionSubject),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Action == "" {
		return "", errors.New("invalid action token")
	}
	return claims.Action, nil
}

func (i *Issuer) keyFunc(token *jwt.Token) (interface{}, error) {
	return i.secretKey, nil
}
