// Package upstream fetches media and embed pages from third-party hosts.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// DefaultUserAgent is sent when the caller provides none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ErrUnreachable wraps every transport-level failure.
var ErrUnreachable = errors.New("upstream unreachable")

type Options struct {
	// UTLSHosts get a Chrome TLS hello instead of Go's. Matched on hostname suffix.
	UTLSHosts []string
	// Proxy is an optional socks5:// or http(s):// proxy for every request.
	Proxy string
	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout time.Duration
	Log           zerolog.Logger
}

// Client routes requests through a pooled transport or the utls round tripper.
type Client struct {
	plain     *http.Client
	utls      *http.Client
	utlsHosts []string
	log       zerolog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 60 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	dial := dialer.DialContext
	if opts.Proxy != "" {
		pu, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse proxy: %w", err)
		}
		switch pu.Scheme {
		case "socks5", "socks5h":
			d, err := proxy.FromURL(pu, dialer)
			if err != nil {
				return nil, fmt.Errorf("upstream: socks dialer: %w", err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, errors.New("upstream: socks dialer lacks DialContext")
			}
			dial = cd.DialContext
			transport.DialContext = dial
		case "http", "https":
			transport.Proxy = http.ProxyURL(pu)
		default:
			return nil, fmt.Errorf("upstream: unsupported proxy scheme %q", pu.Scheme)
		}
	}
	c := &Client{
		plain:     &http.Client{Transport: transport, CheckRedirect: limitRedirects},
		utlsHosts: opts.UTLSHosts,
		log:       opts.Log.With().Str("component", "upstream").Logger(),
	}
	c.utls = &http.Client{
		Transport: &utlsRoundTripper{
			dial:          dial,
			h2:            &http2.Transport{},
			fallback:      transport,
			headerTimeout: opts.HeaderTimeout,
		},
		CheckRedirect: limitRedirects,
	}
	return c, nil
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return errors.New("stopped after 5 redirects")
	}
	return nil
}

// Do sends req through the transport chosen for its host. Transport errors are
// wrapped with ErrUnreachable.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	client := c.plain
	if c.needsUTLS(req.URL.Hostname()) {
		c.log.Debug().Str("host", req.URL.Host).Msg("using utls transport")
		client = c.utls
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

func (c *Client) needsUTLS(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.utlsHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// utlsRoundTripper dials with a Chrome ClientHello and speaks h2 when the
// server negotiates it. Plain http requests fall through to the pooled transport.
// headerTimeout bounds dial, handshake and the wait for response headers.
type utlsRoundTripper struct {
	dial          func(ctx context.Context, network, addr string) (net.Conn, error)
	h2            *http2.Transport
	fallback      http.RoundTripper
	headerTimeout time.Duration
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}
	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}
	ctx, cancel := context.WithTimeout(req.Context(), t.headerTimeout)
	defer cancel()
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	uconn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	var resp *http.Response
	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		cc, err := t.h2.NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		resp, err = cc.RoundTrip(req)
		if err != nil {
			uconn.Close()
			return nil, err
		}
	} else {
		if err := req.Write(uconn); err != nil {
			uconn.Close()
			return nil, err
		}
		resp, err = http.ReadResponse(bufio.NewReader(uconn), req)
		if err != nil {
			uconn.Close()
			return nil, err
		}
	}
	// Headers are in; the body may stream for as long as the caller reads.
	_ = uconn.SetDeadline(time.Time{})
	resp.Body = &connCloser{ReadCloser: resp.Body, conn: uconn}
	return resp, nil
}

type connCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (c *connCloser) Close() error {
	err := c.ReadCloser.Close()
	c.conn.Close()
	return err
}
