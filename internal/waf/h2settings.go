package waf

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"
)

const h2ProbeTimeout = 10 * time.Second

// ProbeH2Settings opens a raw HTTP/2 connection to host (host:port) and
// returns the SETTINGS values the server advertises in its first frame.
// Edge products are recognizable by these values before any request is
// ever answered, which makes this signal independent of block pages and
// response headers.
func ProbeH2Settings(ctx context.Context, host string) (map[uint16]uint32, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: h2ProbeTimeout},
		Config: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			NextProtos:         []string{"h2"},
			InsecureSkipVerify: true, //nolint:gosec // fingerprinting only, nothing sensitive is sent
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, h2ProbeTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", host, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok || tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		return nil, fmt.Errorf("server did not negotiate h2")
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, fmt.Errorf("writing preface: %w", err)
	}

	framer := http2.NewFramer(conn, conn)
	if err := framer.WriteSettings(); err != nil {
		return nil, fmt.Errorf("writing settings: %w", err)
	}

	// The server's SETTINGS frame is the first frame on a conforming
	// connection; tolerate a few interleaved frames before giving up.
	for i := 0; i < 4; i++ {
		frame, err := framer.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		sf, ok := frame.(*http2.SettingsFrame)
		if !ok || sf.IsAck() {
			continue
		}
		settings := make(map[uint16]uint32, sf.NumSettings())
		if err := sf.ForeachSetting(func(s http2.Setting) error {
			settings[uint16(s.ID)] = s.Val
			return nil
		}); err != nil {
			return nil, err
		}
		return settings, nil
	}
	return nil, fmt.Errorf("no SETTINGS frame received")
}
