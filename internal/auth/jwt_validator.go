package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// RolesClaim carries the caller's roles as a JSON string array.
const RolesClaim = "roles"

// Roles accepted on service routes.
const (
	RoleAdmin    = "admin"
	RoleCheckout = "checkout"
)

var errInvalidToken = errors.New("auth: invalid token")

// Principal is the authenticated caller of an internal or admin route.
type Principal struct {
	Subject string
	Roles   []string
}

// HasAny reports whether p holds at least one of roles.
func (p Principal) HasAny(roles ...string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// Verifier checks HS256 service tokens.
type Verifier struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Now       func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Parse verifies the signature and the registered claims and returns the principal.
func (v Verifier) Parse(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(v.Secret) == 0 {
		return Principal{}, errInvalidToken
	}
	if err := requireAlgorithm(token, jwa.HS256); err != nil {
		return Principal{}, err
	}
	options := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.Secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.ClockSkew),
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseString(token, options...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if parsed.Subject() == "" {
		return Principal{}, fmt.Errorf("%w: subject missing", errInvalidToken)
	}
	return Principal{Subject: parsed.Subject(), Roles: rolesFrom(parsed)}, nil
}

// Issue signs a token for subject. Used by the token tool and tests.
func (v Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if len(v.Secret) == 0 {
		return "", errors.New("auth: signing secret not configured")
	}
	now := v.now()
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		Claim(RolesClaim, roles)
	if v.Issuer != "" {
		builder = builder.Issuer(v.Issuer)
	}
	if v.Audience != "" {
		builder = builder.Audience([]string{v.Audience})
	}
	tok, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// requireAlgorithm rejects tokens whose protected header names another algorithm,
// including "none", before any key is applied.
func requireAlgorithm(token string, want jwa.SignatureAlgorithm) error {
	msg, err := jws.ParseString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return fmt.Errorf("%w: expected one signature", errInvalidToken)
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() != want {
		return fmt.Errorf("%w: unexpected algorithm", errInvalidToken)
	}
	return nil
}

func rolesFrom(tok jwt.Token) []string {
	raw, ok := tok.Get(RolesClaim)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}
