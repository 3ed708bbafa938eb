// Package auth decides whether a connection may act on a document.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var ErrDenied = errors.New("permission denied")

type Action string

const (
	View   Action = "view"
	Edit   Action = "edit"
	Upload Action = "upload"
	Export Action = "export"
	Purge  Action = "purge"
)

// Capability is what a client asks to do, along with the credentials it sent.
type Capability struct {
	DocumentId  string
	Action      Action
	Token       string
	Permissions []string
}

type Authorizer interface {
	Authorize(ctx context.Context, c Capability) error
}

// AllowAll accepts every request. It is the default when no secret is set.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Capability) error { return nil }

type Claims struct {
	Uid   string   `json:"uid"`
	Doc   string   `json:"doc,omitempty"`   // if set, the token is valid for this document only
	Perms []Action `json:"perms,omitempty"` // if set, the token allows these actions only
	jwt.StandardClaims
}

func (c *Claims) allows(action Action) bool {
	if len(c.Perms) == 0 {
		return true
	}
	for _, p := range c.Perms {
		if p == action {
			return true
		}
	}
	return false
}

// JWTAuthorizer accepts HS256 tokens signed with secret. A token is checked
// against the document and action it is used for by its doc and perms claims;
// a token without either is good for every action on every document. The
// permissions a client lists in its request are not trusted.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret)}
}

// Sign issues a token for claim valid for ttl.
func (a *JWTAuthorizer) Sign(claim Claims, ttl time.Duration) (string, error) {
	claim.ExpiresAt = time.Now().Add(ttl).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(a.secret)
}

// token -> claims, ok
func (a *JWTAuthorizer) parse(token string) (*Claims, bool) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, false
	}

	if claim, ok := parsed.Claims.(*Claims); ok && parsed.Valid {
		return claim, true
	}
	return nil, false
}

func (a *JWTAuthorizer) Authorize(_ context.Context, c Capability) error {
	if c.Token == "" {
		return fmt.Errorf("%w: missing token", ErrDenied)
	}

	claim, ok := a.parse(c.Token)
	if !ok {
		return fmt.Errorf("%w: invalid token", ErrDenied)
	}
	if claim.Doc != "" && claim.Doc != c.DocumentId {
		return fmt.Errorf("%w: token is for another document", ErrDenied)
	}
	if !claim.allows(c.Action) {
		return fmt.Errorf("%w: token does not allow %s", ErrDenied, c.Action)
	}
	return nil
}
