package ykauth

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"

	keywire "github.com/cardkit/ykauth/internal"
)

// DeviceInfo contains information about the token.
type DeviceInfo struct {
	// Version string. Received from the token.
	Version string
	// Serial number. Received from the token.
	Serial uint32
	// Features is the capability bitmask reported by the firmware.
	Features uint32
	// Trusted is set to [true] if and only if the information was
	// received via an authenticated and encrypted [Session].
	Trusted bool
}

// SupportsRename reports whether the firmware can rename credentials
// in place. Older firmware requires delete-and-re-add.
func (d DeviceInfo) SupportsRename() bool {
	return d.Features&keywire.FeatureRenameCredential != 0
}

// SupportsP256 reports whether the firmware supports P-256 credential
// session-key agreement.
func (d DeviceInfo) SupportsP256() bool {
	return d.Features&keywire.FeatureECP256 != 0
}

// Connector allows sending commands to a security token.
//
// [command] is a fully serialized command message. The connector is
// assumed to provide a reliable, ordered, and exclusive channel to one
// physical device.
type Connector interface {
	SendCommand(ctx context.Context, command []byte) ([]byte, error)
}

// HTTPConnector is a [Connector] which provides access to a token
// through a connector daemon's HTTP interface, such as softtokend in
// this repository.
//
// The zero value HTTPConnector is valid to use and connects to the
// daemon at http://localhost:12345/connector/api using
// [net/http.DefaultClient]. This behavior can be customized with
// [NewHTTPConnector].
type HTTPConnector struct {
	client *http.Client
	url    string
}

type httpConnector HTTPConnector

// HTTPOption configures the behavior of the [HTTPConnector] created by
// [NewHTTPConnector].
type HTTPOption func(*httpConnector)

// NewHTTPConnector creates an [HTTPConnector] using the provided
// configuration options.
func NewHTTPConnector(options ...HTTPOption) HTTPConnector {
	var conn httpConnector
	for _, option := range options {
		option(&conn)
	}

	return (HTTPConnector)(conn)
}

// WithHTTPClient configures the [HTTPConnector] to make HTTP requests
// using the provided HTTP client.
//
// If not specified this defaults to [http.DefaultClient].
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(conn *httpConnector) {
		conn.client = client
	}
}

// WithConnectorURL configures the [HTTPConnector] to issue HTTP
// requests to the connector daemon at the provided URL.
//
// If not specified this defaults to "http://localhost:12345/connector/api".
//
//	NewHTTPConnector(WithConnectorURL("http://1.2.3.4:5678/connector/api"))
func WithConnectorURL(url string) HTTPOption {
	return func(conn *httpConnector) {
		conn.url = url
	}
}

// SendCommand transmits the command and returns the token's response.
func (h *HTTPConnector) SendCommand(ctx context.Context, cmd []byte) ([]byte, error) {
	client := cmp.Or(h.client, http.DefaultClient)
	url := cmp.Or(h.url, "http://localhost:12345/connector/api")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(cmd))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	rsp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rsp.Body.Close() }()

	if rsp.StatusCode < http.StatusOK || rsp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("connector command failed: %s", rsp.Status)
	}

	return io.ReadAll(rsp.Body)
}

func sendPlaintext(ctx context.Context, conn Connector, cmd keywire.Command, rsp keywire.Response) error {
	// Large enough to hold authentication messages without spilling
	// to the heap.
	var out [32]byte

	buf, err := conn.SendCommand(ctx, cmd.Serialize(out[:0]))
	if err != nil {
		return err
	}

	return keywire.ParseResponse(cmd.ID(), rsp, buf)
}
