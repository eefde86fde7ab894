// Package terminal speaks the access-control terminal's HTTP protocol:
// digest-authenticated JSON and XML calls, the long-lived multipart event
// stream and the historical event search.
//
// A Client belongs to one device and is not shared across devices.
// Non-stream calls go through a per-client circuit breaker.
package terminal

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/icholy/digest"
	gobreaker "github.com/sony/gobreaker/v2"

	"attendsync/internal/config"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/model"
)

const (
	pathDeviceInfo   = "/ISAPI/System/deviceInfo"
	pathToken        = "/ISAPI/Security/token"
	pathReboot       = "/ISAPI/System/reboot"
	pathUserSearch   = "/ISAPI/AccessControl/UserInfo/Search"
	pathUserRecord   = "/ISAPI/AccessControl/UserInfo/Record"
	pathFaceRecord   = "/ISAPI/Intelligent/FDLib/FaceDataRecord"
	pathFaceSearch   = "/ISAPI/Intelligent/FDLib/FDSearch"
	pathSubscribe    = "/ISAPI/Event/notification/subscribeEvent"
	pathAlertStream  = "/ISAPI/Event/notification/alertStream"
	pathEventSearch  = "/ISAPI/Event/eventSearch"
	pathAcsEvent     = "/ISAPI/AccessControl/AcsEvent"
	maxResponseBytes = 16 << 20
)

var ErrClosed = errors.New("client closed")

type Options struct {
	RequestTimeout    time.Duration
	ProbeTimeout      time.Duration
	BulkTimeout       time.Duration
	StreamIdleTimeout time.Duration
	EventPartNames    []string
	HeartbeatSeconds  int
	Breaker           config.BreakerConfig
	Location          *time.Location
	Logger            *slog.Logger
	// Transport replaces the default TLS-aware transport underneath the
	// digest layer.
	Transport http.RoundTripper
}

func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	t := cfg.Terminal
	return Options{
		RequestTimeout:    t.RequestTimeout,
		ProbeTimeout:      t.ProbeTimeout,
		BulkTimeout:       t.BulkTimeout,
		StreamIdleTimeout: t.StreamIdleTimeout,
		EventPartNames:    append([]string(nil), t.EventPartNames...),
		HeartbeatSeconds:  t.HeartbeatSeconds,
		Breaker:           t.Breaker,
		Location:          cfg.Location(),
		Logger:            logger,
	}
}

func (o *Options) applyDefaults() {
	def := config.DefaultConfig().Terminal
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = def.BulkTimeout
	}
	if o.StreamIdleTimeout <= 0 {
		o.StreamIdleTimeout = def.StreamIdleTimeout
	}
	if len(o.EventPartNames) == 0 {
		o.EventPartNames = def.EventPartNames
	}
	if o.HeartbeatSeconds <= 0 {
		o.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if o.Breaker.MinRequests == 0 {
		o.Breaker = def.Breaker
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	o.Logger = logging.OrDiscard(o.Logger)
}

type Client struct {
	deviceID string
	baseURL  *url.URL
	http     *http.Client
	closer   interface{ CloseIdleConnections() }
	opts     Options
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker[*response]

	mu         sync.Mutex
	token      string
	tokenTried bool
	closed     bool
}

// New builds a client for dev. password is the decrypted secret.
func New(dev model.Device, password string, opts Options) (*Client, error) {
	opts.applyDefaults()
	base, err := parseAddress(dev.Address)
	if err != nil {
		return nil, err
	}
	inner := opts.Transport
	var closer interface{ CloseIdleConnections() }
	if inner == nil {
		tr := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: opts.ProbeTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: opts.ProbeTimeout,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: dev.InsecureTLS}, //nolint:gosec // terminals ship self-signed certificates
		}
		inner, closer = tr, tr
	} else if c, ok := inner.(interface{ CloseIdleConnections() }); ok {
		closer = c
	}
	c := &Client{
		deviceID: dev.ID,
		baseURL:  base,
		http: &http.Client{
			Transport: &digest.Transport{
				Username:  dev.Username,
				Password:  password,
				Transport: inner,
			},
		},
		closer: closer,
		opts:   opts,
		logger: opts.Logger.With("device_id", dev.ID, "address", base.Host),
	}
	c.breaker = newBreaker(dev.ID, opts.Breaker, c.logger)
	return c, nil
}

func parseAddress(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("terminal address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("terminal address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("terminal address %q has no host", addr)
	}
	return u, nil
}

func (c *Client) DeviceID() string { return c.deviceID }

// Host is the terminal host as it appears in stored events when the
// payload does not carry its own address.
func (c *Client) Host() string { return c.baseURL.Hostname() }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.token = ""
	if c.closer != nil {
		c.closer.CloseIdleConnections()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	timeout     time.Duration
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func jsonRequest(method, path string, payload any) (request, error) {
	req := request{method: method, path: path, query: url.Values{"format": {"json"}}}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return req, err
		}
		req.body = data
		req.contentType = "application/json"
	}
	return req, nil
}

// do runs one non-stream call through the breaker.
func (c *Client) do(ctx context.Context, op string, req request) (*response, error) {
	if c.isClosed() {
		return nil, newError(op, KindTransport, 0, ErrClosed)
	}
	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.roundTrip(ctx, op, req)
	})
	if err != nil {
		te := classifyTransport(op, err)
		metrics.TerminalRequests.WithLabelValues(op, string(te.Kind)).Inc()
		return nil, te
	}
	metrics.TerminalRequests.WithLabelValues(op, "ok").Inc()
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, op string, req request) (*response, error) {
	if req.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, newError(op, KindData, 0, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	out := &response{status: resp.StatusCode, header: resp.Header, body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(op, resp.StatusCode, parseResponseStatus(body))
	}
	return out, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req request) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + req.path
	q := url.Values{}
	for k, v := range req.query {
		q[k] = v
	}
	if tok := c.currentToken(); tok != "" && req.path != pathToken {
		q.Set("token", tok)
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	return httpReq, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// responseStatus is the terminal's uniform result envelope, in JSON or XML.
type responseStatus struct {
	RequestURL    string `json:"requestURL" xml:"requestURL"`
	StatusCode    int    `json:"statusCode" xml:"statusCode"`
	StatusString  string `json:"statusString" xml:"statusString"`
	SubStatusCode string `json:"subStatusCode" xml:"subStatusCode"`
	ErrorCode     int    `json:"errorCode" xml:"errorCode"`
	ErrorMsg      string `json:"errorMsg" xml:"errorMsg"`
}

func (rs *responseStatus) ok() bool {
	return rs.StatusCode == 0 || rs.StatusCode == 1
}

func (rs *responseStatus) err() error {
	msg := rs.StatusString
	if rs.SubStatusCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, rs.SubStatusCode)
	}
	if rs.ErrorMsg != "" {
		msg += ": " + rs.ErrorMsg
	}
	return errors.New(strings.TrimSpace(msg))
}

func parseResponseStatus(body []byte) *responseStatus {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var rs responseStatus
	if trimmed[0] == '<' {
		if err := decodeXML(trimmed, &rs); err != nil {
			return nil
		}
	} else if err := json.Unmarshal(trimmed, &rs); err != nil {
		return nil
	}
	if rs.StatusCode == 0 && rs.StatusString == "" && rs.SubStatusCode == "" {
		return nil
	}
	return &rs
}

// checkStatus turns a 2xx response carrying a failed envelope into an error.
func checkStatus(op string, resp *response) error {
	rs := parseResponseStatus(resp.body)
	if rs == nil || rs.ok() {
		return nil
	}
	return classifyStatus(op, resp.status, rs)
}
