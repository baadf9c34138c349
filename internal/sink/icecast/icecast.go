// Package icecast speaks the source side of the Icecast and SHOUTcast v1
// protocols: authenticate, announce the stream metadata, then write the
// encoded bitstream on the same TCP connection.
package icecast

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/satindergrewal/netsource/internal/sink"
)

// Protocol selects the source handshake.
type Protocol string

const (
	// Icecast uses HTTP PUT (Icecast 2.4+) and falls back to SOURCE when the
	// server does not accept PUT.
	Icecast Protocol = "icecast"
	// IcecastSource always uses the legacy SOURCE method.
	IcecastSource Protocol = "icecast-source"
	// Shoutcast is the SHOUTcast v1 source protocol on port+1.
	Shoutcast Protocol = "shoutcast"
)

// ParseProtocol accepts the configured protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case Icecast, IcecastSource, Shoutcast:
		return p, nil
	case "":
		return Icecast, nil
	default:
		return "", fmt.Errorf("unknown source protocol %q", s)
	}
}

var (
	ErrUnauthorized = errors.New("authentication rejected")
	ErrMountInUse   = errors.New("mount point in use")
	ErrRejected     = errors.New("server rejected source")
)

const defaultUserAgent = "netsource/1.0"

// Dialer opens source connections. The zero value speaks Icecast with
// sensible timeouts.
type Dialer struct {
	Protocol     Protocol
	DialTimeout  time.Duration // connect and handshake
	WriteTimeout time.Duration // per Send
	UserAgent    string
}

// Connect implements sink.Connector.
func (d *Dialer) Connect(ctx context.Context, t sink.Target) (sink.Connection, error) {
	switch d.Protocol {
	case Shoutcast:
		return d.shoutcast(ctx, t)
	case IcecastSource:
		return d.icecast(ctx, t, "SOURCE")
	default:
		conn, err := d.icecast(ctx, t, http.MethodPut)
		if errors.Is(err, errMethodNotAllowed) {
			return d.icecast(ctx, t, "SOURCE")
		}
		return conn, err
	}
}

var errMethodNotAllowed = errors.New("method not allowed")

func (d *Dialer) dial(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	// Cancelling ctx aborts a handshake blocked on I/O.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	return conn, stop, nil
}

func (d *Dialer) userAgent() string {
	if d.UserAgent != "" {
		return d.UserAgent
	}
	return defaultUserAgent
}

func (d *Dialer) icecast(ctx context.Context, t sink.Target, method string) (sink.Connection, error) {
	conn, stop, err := d.dial(ctx, t.Addr())
	if err != nil {
		return nil, err
	}
	defer stop()

	mount := t.Mount
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	user := t.User
	if user == "" {
		user = "source"
	}

	var b strings.Builder
	proto := "HTTP/1.1"
	if method == "SOURCE" {
		proto = "HTTP/1.0"
	}
	fmt.Fprintf(&b, "%s %s %s\r\n", method, mount, proto)
	fmt.Fprintf(&b, "Host: %s\r\n", t.Addr())
	fmt.Fprintf(&b, "Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString([]byte(user+":"+t.Password)))
	fmt.Fprintf(&b, "User-Agent: %s\r\n", d.userAgent())
	fmt.Fprintf(&b, "Content-Type: %s\r\n", t.ContentType)
	for _, h := range iceHeaders(t, "Ice-") {
		b.WriteString(h)
	}
	if method == http.MethodPut {
		b.WriteString("Expect: 100-continue\r\n")
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}
	// The body is the rest of the connection; it is never read.

	switch resp.StatusCode {
	case http.StatusContinue, http.StatusOK:
	case http.StatusUnauthorized:
		conn.Close()
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrMountInUse, resp.Status)
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusBadRequest:
		conn.Close()
		if method == http.MethodPut {
			return nil, errMethodNotAllowed
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return d.established(ctx, conn, stop)
}

func (d *Dialer) shoutcast(ctx context.Context, t sink.Target) (sink.Connection, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port+1))
	conn, stop, err := d.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer stop()

	if _, err := io.WriteString(conn, t.Password+"\r\n"); err != nil {
		conn.Close()
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if reply := strings.TrimSpace(line); !strings.HasPrefix(reply, "OK") {
		conn.Close()
		if strings.Contains(strings.ToLower(reply), "password") {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: %q", ErrRejected, reply)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "content-type:%s\r\n", t.ContentType)
	for _, h := range iceHeaders(t, "icy-") {
		b.WriteString(strings.Replace(h, ": ", ":", 1))
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		conn.Close()
		return nil, err
	}
	return d.established(ctx, conn, stop)
}

// iceHeaders renders the station metadata with the given header prefix.
func iceHeaders(t sink.Target, prefix string) []string {
	var out []string
	add := func(name, value string) {
		if value != "" {
			out = append(out, prefix+name+": "+value+"\r\n")
		}
	}
	add("name", t.Name)
	add("description", t.Description)
	add("genre", t.Genre)
	add("url", t.URL)
	pub := "0"
	if t.Public {
		pub = "1"
	}
	if prefix == "icy-" {
		add("pub", pub)
	} else {
		add("public", pub)
	}
	if t.Bitrate > 0 {
		if prefix == "icy-" {
			add("br", strconv.Itoa(t.Bitrate))
		} else {
			add("bitrate", strconv.Itoa(t.Bitrate))
		}
	}
	if prefix != "icy-" && t.SampleRate > 0 && t.Channels > 0 {
		add("audio-info", fmt.Sprintf("ice-samplerate=%d;ice-channels=%d;ice-bitrate=%d",
			t.SampleRate, t.Channels, t.Bitrate))
	}
	return out
}

// established detaches the handshake from ctx and clears its deadline.
func (d *Dialer) established(ctx context.Context, c net.Conn, stop func() bool) (sink.Connection, error) {
	if !stop() {
		c.Close()
		return nil, ctx.Err()
	}
	c.SetDeadline(time.Time{})
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &conn{c: c, timeout: timeout}, nil
}

type conn struct {
	c       net.Conn
	timeout time.Duration
}

// Send writes p, failing if the server stops reading for longer than the
// write timeout.
func (c *conn) Send(p []byte) error {
	if err := c.c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.c.Write(p)
	return err
}

func (c *conn) Close() error {
	return c.c.Close()
}
