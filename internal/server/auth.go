package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"kitstream/backend/internal/config"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier validates bearer JWTs and maps the subject to a Principal.
type TokenVerifier struct {
	key    any
	parser *jwt.Parser
}

// NewTokenVerifier returns nil when the configuration carries no key, which
// leaves every caller anonymous.
func NewTokenVerifier(cfg config.AuthConfig) (*TokenVerifier, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{cfg.Algorithm})}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}

	var key any
	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, nil
		}
		key = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, nil
		}
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		key = publicKey
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return &TokenVerifier{key: key, parser: jwt.NewParser(options...)}, nil
}

func (verifier *TokenVerifier) Verify(tokenString string) (Principal, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Principal{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := verifier.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return verifier.key, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return Principal{Username: claims.Subject}, nil
}

// bearerToken reads the Authorization header, falling back to the token query
// parameter that browser WebSocket clients have to use.
func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if scheme, token, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(request.URL.Query().Get("token"))
}
