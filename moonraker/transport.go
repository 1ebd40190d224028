package moonraker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// DefaultReadLimit is the maximum size of an inbound frame.  File lists and
// full status snapshots easily exceed the websocket library default.
const DefaultReadLimit = 4 << 20

// Transport is a duplex message stream to the host.
type Transport interface {
	// Read blocks until the next frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Dialer opens a new Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// TokenType selects how the access token is presented to the host.
type TokenType int

const (
	// TokenAPIKey sends the token in the X-Api-Key header.
	TokenAPIKey TokenType = iota
	// TokenOneshot sends the token as the "token" query parameter.
	TokenOneshot
)

// ParseTokenType parses "api_key" or "oneshot".
func ParseTokenType(s string) (TokenType, error) {
	switch strings.ToLower(s) {
	case "", "api_key", "apikey":
		return TokenAPIKey, nil
	case "oneshot", "oneshot_token":
		return TokenOneshot, nil
	}
	return TokenAPIKey, fmt.Errorf("unknown token type %q", s)
}

// WSDialer dials the Moonraker websocket endpoint.
type WSDialer struct {
	Endpoint  string       // e.g. ws://printer.local:7125/websocket
	Token     string       // optional access token
	TokenType TokenType    // how Token is sent
	Client    *http.Client // optional; defaults to http.DefaultClient
	ReadLimit int64        // optional; defaults to DefaultReadLimit
}

// wsURL converts http(s) endpoints to ws(s) and attaches a oneshot token.
func (d *WSDialer) wsURL() (string, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if d.Token != "" && d.TokenType == TokenOneshot {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := d.wsURL()
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	hdr := make(http.Header)
	if d.Token != "" && d.TokenType == TokenAPIKey {
		hdr.Set("X-Api-Key", d.Token)
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: d.Client,
		HTTPHeader: hdr,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &FatalError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, p, err := t.conn.Read(ctx)
	return p, err
}

func (t *wsTransport) Write(ctx context.Context, p []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, p)
}

func (t *wsTransport) Close() error {
	err := t.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
