// Package lockdown implements the usbmux control-service client: the
// property-list request/response dialect used to query device information,
// pair a host, and start other services (spec.md §4.D).
package lockdown

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/mux"
	"github.com/gousbmux/gousbmux/pairing"
	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/plistconn"
	"github.com/gousbmux/gousbmux/transport"
)

// controlServicePort is the device's well-known destination port for the
// lockdown control service (spec.md §3's "0xF27E").
const controlServicePort = 0xF27E

// requestTimeout bounds one request/reply round trip.
const requestTimeout = 5 * time.Second

// Client is a synchronous request/reply client for the control service. A
// Client owns exactly one connection (plaintext or TLS-upgraded) and
// serializes every call behind a mutex, since the wire protocol allows only
// one in-flight request.
type Client struct {
	mu   sync.Mutex
	conn *plistconn.Conn
	raw  *mux.Conn
	m    *mux.Mux
}

// Dial opens a new plaintext connection to the control service on m.
func Dial(ctx context.Context, m *mux.Mux) (*Client, error) {
	const op = "lockdown.Dial"
	raw, err := m.Connect(ctx, controlServicePort)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindMuxError, op, err)
	}
	return &Client{conn: plistconn.New(raw, requestTimeout), raw: raw, m: m}, nil
}

// Close releases the client's virtual connection to the control service.
// The underlying mux and device are left open; callers that own those
// close them separately.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.Close()
}

// ResolveUUID opens a transient lockdown session over dev and reads its
// UniqueDeviceID, for callers holding only a [transport.Device] that hasn't
// been dialed into any service yet (e.g. enumeration). It builds and tears
// down its own [mux.Mux]; tearing that mux down closes dev, so dev carries
// no further traffic once ResolveUUID returns, successful or not. On
// success it also sets dev.UUID (spec.md §8 scenario #1: usbmux UUIDs are
// resolved through lockdown, not read off the raw USB descriptor).
func ResolveUUID(ctx context.Context, dev *transport.Device) (string, error) {
	const op = "lockdown.ResolveUUID"

	m := mux.New(dev, mux.Options{})
	defer m.Close()

	client, err := Dial(ctx, m)
	if err != nil {
		return "", err
	}
	defer client.Close()

	v, err := client.GetValue("", "UniqueDeviceID")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", pkg.New(pkg.KindPlistError, op, "UniqueDeviceID value is not a string")
	}
	dev.UUID = s
	return s, nil
}

func (c *Client) request(req map[string]any, resp any) error {
	const op = "lockdown.Client.request"
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.Send(req); err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	if err := c.conn.Recv(resp); err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	return nil
}

// reply is the generic top-level dictionary shape every lockdown response
// shares: a Request echo, an optional Error string, and the rest of the
// domain-specific payload (decoded separately by each call site via its
// own typed response struct).
type reply struct {
	Request string `plist:"Request"`
	Error   string `plist:"Error,omitempty"`
}

func checkReply(op string, r reply, wantRequest string) error {
	if r.Request != "" && r.Request != wantRequest {
		return pkg.New(pkg.KindPlistError, op, fmt.Sprintf("reply Request %q does not match request %q", r.Request, wantRequest))
	}
	if r.Error != "" {
		return mapDeviceError(op, r.Error)
	}
	return nil
}

// mapDeviceError maps a device-reported Error string to the error taxonomy
// (spec.md §7).
func mapDeviceError(op, deviceErr string) error {
	switch deviceErr {
	case "PasswordProtected":
		return pkg.New(pkg.KindPasswordProtected, op, deviceErr)
	case "PairingDialogResponsePending", "UserDeniedPairing":
		return pkg.New(pkg.KindUserDeniedPairing, op, deviceErr)
	case "InvalidHostID", "MissingHostID":
		return pkg.New(pkg.KindPairingFailed, op, deviceErr)
	default:
		return pkg.New(pkg.KindPlistError, op, deviceErr)
	}
}

// QueryType performs the sanity-check request and validates the device
// reports itself as the lockdown service.
func (c *Client) QueryType() (string, error) {
	const op = "lockdown.Client.QueryType"
	var resp struct {
		reply
		Type string `plist:"Type"`
	}
	if err := c.request(map[string]any{"Request": "QueryType"}, &resp); err != nil {
		return "", err
	}
	if err := checkReply(op, resp.reply, "QueryType"); err != nil {
		return "", err
	}
	if resp.Type != lockdownServiceType {
		return resp.Type, pkg.New(pkg.KindPlistError, op, "unexpected control service type")
	}
	return resp.Type, nil
}

// GetValue returns a single value (or the full domain document, if key is
// empty) for domain. An empty domain queries the top-level document.
func (c *Client) GetValue(domain, key string) (any, error) {
	const op = "lockdown.Client.GetValue"
	req := map[string]any{"Request": "GetValue"}
	if domain != "" {
		req["Domain"] = domain
	}
	if key != "" {
		req["Key"] = key
	}

	var resp struct {
		reply
		Value any `plist:"Value"`
	}
	if err := c.request(req, &resp); err != nil {
		return nil, err
	}
	if err := checkReply(op, resp.reply, "GetValue"); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// SetValue sets a single key within domain.
func (c *Client) SetValue(domain, key string, value any) error {
	const op = "lockdown.Client.SetValue"
	req := map[string]any{
		"Request": "SetValue",
		"Domain":  domain,
		"Key":     key,
		"Value":   value,
	}
	var resp reply
	if err := c.request(req, &resp); err != nil {
		return err
	}
	return checkReply(op, resp, "SetValue")
}

// DevicePublicKey queries the device's own public key (spec.md §4.C step 1,
// mirrored by the reference lockdownd_get_device_public_key call), parsing
// it as either a PEM block or raw PKIX DER, whichever the device sent.
func (c *Client) DevicePublicKey() (*rsa.PublicKey, error) {
	const op = "lockdown.Client.DevicePublicKey"

	v, err := c.GetValue("", "DevicePublicKey")
	if err != nil {
		return nil, err
	}
	der, ok := v.([]byte)
	if !ok {
		return nil, pkg.New(pkg.KindPlistError, op, "DevicePublicKey value is not binary data")
	}
	if block, _ := pem.Decode(der); block != nil {
		der = block.Bytes
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPlistError, op, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, pkg.New(pkg.KindPlistError, op, "device public key is not RSA")
	}
	return rsaPub, nil
}

// Pair completes the host/device pairing handshake (spec.md §4.C steps 1-3):
// it fetches the device's public key, asks id to sign it into a device
// certificate, and sends the device the resulting three-certificate chain
// (root, host, device) so it will trust TLS clients presenting the host
// certificate in future sessions.
func (c *Client) Pair(id *pairing.Identity) error {
	const op = "lockdown.Client.Pair"

	devicePub, err := c.DevicePublicKey()
	if err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}
	if err := id.SignDeviceKey(devicePub); err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}

	req := map[string]any{
		"Request": "Pair",
		"PairRecord": map[string]any{
			"HostID":            id.HostID.String(),
			"RootCertificate":   id.RootCertDER,
			"HostCertificate":   id.HostCertDER,
			"DeviceCertificate": id.DeviceCertDER,
		},
	}
	var resp reply
	if err := c.request(req, &resp); err != nil {
		return err
	}
	if err := checkReply(op, resp, "Pair"); err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}
	return nil
}

// Unpair asks the device to forget the host's pairing record.
func (c *Client) Unpair() error {
	const op = "lockdown.Client.Unpair"
	var resp reply
	if err := c.request(map[string]any{"Request": "Unpair"}, &resp); err != nil {
		return err
	}
	return checkReply(op, resp, "Unpair")
}

// StartSession begins a lockdown session for hostID, returning the
// session ID and whether the device expects a TLS upgrade next.
func (c *Client) StartSession(hostID string) (sessionID string, tlsRequired bool, err error) {
	const op = "lockdown.Client.StartSession"
	var resp struct {
		reply
		SessionID   string `plist:"SessionID"`
		EnableSessionSSL bool `plist:"EnableSessionSSL"`
	}
	if err := c.request(map[string]any{"Request": "StartSession", "HostID": hostID}, &resp); err != nil {
		return "", false, err
	}
	if err := checkReply(op, resp.reply, "StartSession"); err != nil {
		return "", false, pkg.Wrap(pkg.KindPairingFailed, op, err)
	}
	return resp.SessionID, resp.EnableSessionSSL, nil
}

// StopSession ends sessionID; the channel falls back to plaintext.
func (c *Client) StopSession(sessionID string) error {
	const op = "lockdown.Client.StopSession"
	var resp reply
	if err := c.request(map[string]any{"Request": "StopSession", "SessionID": sessionID}, &resp); err != nil {
		return err
	}
	if err := checkReply(op, resp, "StopSession"); err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = plistconn.New(c.raw, requestTimeout)
	c.mu.Unlock()
	return nil
}

// StartService asks the device to launch name and returns the destination
// port for a new mux virtual connection to it.
func (c *Client) StartService(name string) (port uint16, err error) {
	const op = "lockdown.Client.StartService"
	var resp struct {
		reply
		Port uint16 `plist:"Port"`
	}
	if err := c.request(map[string]any{"Request": "StartService", "Service": name}, &resp); err != nil {
		return 0, err
	}
	if err := checkReply(op, resp.reply, "StartService"); err != nil {
		return 0, err
	}
	return resp.Port, nil
}

// UpgradeTLS wraps the client's existing mux connection in TLS using id's
// host certificate/key, replacing c's plaintext connection with the
// TLS-secured one. Callers call this after StartSession reports
// tlsRequired.
func (c *Client) UpgradeTLS(ctx context.Context, raw *mux.Conn, id *pairing.Identity) error {
	const op = "lockdown.Client.UpgradeTLS"

	certDER, key := id.TLSKeyPair()
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}

	channel := pairing.NewChannel(raw)
	tlsConn := tls.Client(channel, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // the device's cert is verified out-of-band by the pairing record, not a CA chain
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return pkg.Wrap(pkg.KindSSLError, op, err)
	}

	c.mu.Lock()
	c.conn = plistconn.New(plistconn.FromNetConn(tlsConn), requestTimeout)
	c.mu.Unlock()
	return nil
}
