package onebot

import (
	"context"
	"fmt"
	"strings"
)

// Transport sends requests to a OneBot implementation.
// Do returns a relayerr.RetryableError for failures that are temporary.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Close() error
	String() string
}

// connector is implemented by transports that hold a persistent connection.
type connector interface {
	Connect(ctx context.Context) error
}

// TokenMode defines how the access token is passed to the OneBot server.
type TokenMode uint8

const (
	// TokenModeHeader sends the token as "Authorization: Bearer <token>"
	// header.
	TokenModeHeader TokenMode = iota
	// TokenModeQuery sends the token as access_token URL query parameter.
	TokenModeQuery
)

const tokenQueryParam = "access_token"

func ParseTokenMode(s string) (TokenMode, error) {
	switch strings.ToLower(s) {
	case "", "header":
		return TokenModeHeader, nil
	case "query":
		return TokenModeQuery, nil
	default:
		return 0, fmt.Errorf("unsupported access token mode: %q, expecting header or query", s)
	}
}

func (m TokenMode) String() string {
	if m == TokenModeQuery {
		return "query"
	}

	return "header"
}
