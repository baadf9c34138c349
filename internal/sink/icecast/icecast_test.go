package icecast

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/netsource/internal/sink"
)

type received struct {
	method  string
	path    string
	header  http.Header
	payload string
}

// fakeServer accepts connections and answers each with the next reply.
func fakeServer(t *testing.T, replies ...string) (sink.Target, <-chan received) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan received, len(replies))
	go func() {
		for _, reply := range replies {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			br := bufio.NewReader(c)
			req, err := http.ReadRequest(br)
			if err != nil {
				c.Close()
				return
			}
			io.WriteString(c, reply)
			r := received{method: req.Method, path: req.URL.Path, header: req.Header}
			if strings.Contains(reply, " 200 ") || strings.Contains(reply, " 100 ") {
				c.SetReadDeadline(time.Now().Add(time.Second))
				buf := make([]byte, 5)
				n, _ := io.ReadFull(br, buf)
				r.payload = string(buf[:n])
			}
			c.Close()
			out <- r
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return sink.Target{
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Mount:       "live",
		Password:    "hackme",
		ContentType: "audio/ogg",
		Name:        "netsource",
		Genre:       "talk",
		Bitrate:     128,
		SampleRate:  48000,
		Channels:    2,
	}, out
}

func next(t *testing.T, c <-chan received) received {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
		return received{}
	}
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{
		"":               Icecast,
		"icecast":        Icecast,
		"ICECAST-SOURCE": IcecastSource,
		"shoutcast":      Shoutcast,
	} {
		got, err := ParseProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseProtocol("rtmp")
	assert.Error(t, err)
}

func TestIcecastPut(t *testing.T) {
	target, seen := fakeServer(t, "HTTP/1.1 100 Continue\r\n\r\n")
	d := &Dialer{DialTimeout: time.Second}

	conn, err := d.Connect(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, conn.Send([]byte("hello")))
	defer conn.Close()

	r := next(t, seen)
	assert.Equal(t, http.MethodPut, r.method)
	assert.Equal(t, "/live", r.path)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("source:hackme")), r.header.Get("Authorization"))
	assert.Equal(t, "audio/ogg", r.header.Get("Content-Type"))
	assert.Equal(t, "netsource", r.header.Get("Ice-Name"))
	assert.Equal(t, "talk", r.header.Get("Ice-Genre"))
	assert.Equal(t, "0", r.header.Get("Ice-Public"))
	assert.Equal(t, "128", r.header.Get("Ice-Bitrate"))
	assert.Contains(t, r.header.Get("Ice-Audio-Info"), "ice-samplerate=48000")
	assert.Equal(t, "100-continue", r.header.Get("Expect"))
	assert.Equal(t, "hello", r.payload)
}

func TestIcecastFallsBackToSource(t *testing.T) {
	target, seen := fakeServer(t,
		"HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n",
		"HTTP/1.0 200 OK\r\n\r\n",
	)
	d := &Dialer{DialTimeout: time.Second}

	conn, err := d.Connect(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, conn.Send([]byte("audio")))
	defer conn.Close()

	assert.Equal(t, http.MethodPut, next(t, seen).method)
	r := next(t, seen)
	assert.Equal(t, "SOURCE", r.method)
	assert.Equal(t, "audio", r.payload)
}

func TestIcecastErrors(t *testing.T) {
	tests := []struct {
		reply string
		want  error
	}{
		{"HTTP/1.1 401 Unauthorized\r\nContent-Length: 0\r\n\r\n", ErrUnauthorized},
		{"HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n", ErrMountInUse},
		{"HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n", ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			target, _ := fakeServer(t, tt.reply)
			d := &Dialer{Protocol: IcecastSource, DialTimeout: time.Second}
			_, err := d.Connect(context.Background(), target)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := &Dialer{DialTimeout: 500 * time.Millisecond}
	_, err = d.Connect(context.Background(), sink.Target{Host: "127.0.0.1", Port: port, Mount: "/x"})
	assert.Error(t, err)
}

func TestHandshakeHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		// Never answer.
		time.Sleep(2 * time.Second)
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d := &Dialer{DialTimeout: 10 * time.Second}
	start := time.Now()
	_, err = d.Connect(ctx, sink.Target{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Mount: "/x"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestShoutcast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		password string
		headers  []string
		payload  string
	}
	out := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		var r result
		line, _ := br.ReadString('\n')
		r.password = strings.TrimSpace(line)
		io.WriteString(c, "OK2\r\nicy-caps:11\r\n\r\n")
		for {
			line, err := br.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
			r.headers = append(r.headers, strings.TrimSpace(line))
		}
		buf := make([]byte, 4)
		n, _ := io.ReadFull(br, buf)
		r.payload = string(buf[:n])
		out <- r
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	d := &Dialer{Protocol: Shoutcast, DialTimeout: time.Second}
	conn, err := d.Connect(context.Background(), sink.Target{
		Host: "127.0.0.1", Port: port - 1, Password: "secret",
		ContentType: "audio/mpeg", Name: "netsource", Bitrate: 128, Public: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send([]byte("mp3!")))
	defer conn.Close()

	select {
	case r := <-out:
		assert.Equal(t, "secret", r.password)
		assert.Contains(t, r.headers, "content-type:audio/mpeg")
		assert.Contains(t, r.headers, "icy-name:netsource")
		assert.Contains(t, r.headers, "icy-pub:1")
		assert.Contains(t, r.headers, "icy-br:"+strconv.Itoa(128))
		assert.Equal(t, "mp3!", r.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
	}
}

func TestShoutcastBadPassword(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(c).ReadString('\n')
		io.WriteString(c, "invalid password\r\n")
		c.Close()
	}()

	d := &Dialer{Protocol: Shoutcast, DialTimeout: time.Second}
	_, err = d.Connect(context.Background(), sink.Target{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port - 1})
	assert.ErrorIs(t, err, ErrUnauthorized)
}
