package cluster

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// nodeTokenIssuer is the issuer claim stamped on every inter-node token.
const nodeTokenIssuer = "omnisci-aggregator"

// NodeClaims is the payload carried from the aggregator to a leaf with every
// request. Leaves trust these claims instead of re-authenticating the client.
type NodeClaims struct {
	User     string
	Database string
	QueryID  string
}

// TokenIssuer mints and verifies the HMAC-signed tokens attached to leaf
// requests. Aggregator and leaves share the signing secret via configuration.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl bounds how long an in-flight leaf
// request stays verifiable; it is independent of client session lifetimes.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("node token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token carrying the claims for one leaf request.
func (i *TokenIssuer) Issue(claims NodeClaims) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": nodeTokenIssuer,
		"usr": claims.User,
		"db":  claims.Database,
		"qid": claims.QueryID,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing node token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm, expiry and issuer, and returns the
// carried claims.
func (i *TokenIssuer) Verify(tokenString string) (*NodeClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		// Validate the algorithm is HMAC
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("parsing node token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid node token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	iss, ok := claims["iss"].(string)
	if !ok || iss != nodeTokenIssuer {
		return nil, fmt.Errorf("invalid issuer: got %q, want %q", iss, nodeTokenIssuer)
	}

	out := &NodeClaims{}
	out.User, _ = claims["usr"].(string)
	out.Database, _ = claims["db"].(string)
	out.QueryID, _ = claims["qid"].(string)
	if out.User == "" {
		return nil, fmt.Errorf("missing usr claim")
	}
	return out, nil
}
