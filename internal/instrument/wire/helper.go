// Package wire provides shared write/query framing for transport-backed
// instrument drivers. It is a value, not a base type: a driver holds a
// Helper as a field and calls its methods, rather than inheriting
// behaviour. The mock drivers in internal/instrument simulate instrument
// state directly and do not use it.
package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Helper frames line-oriented SCPI-style traffic over an underlying
// connection and decodes replies that embed a JSON payload after a header
// line. It holds no operation-level state; a driver calls WriteLine/
// QueryLine directly from inside whatever serialization discipline its
// owning Session Worker already provides.
type Helper struct {
	mu     sync.Mutex
	conn   io.ReadWriter
	reader *bufio.Reader
}

// NewHelper wraps a connection (a real net.Conn for the "real" transport
// backend, or an in-memory pipe for mock drivers that still want to
// exercise the framing code).
func NewHelper(conn io.ReadWriter) *Helper {
	return &Helper{conn: conn, reader: bufio.NewReader(conn)}
}

// WriteLine writes a single command line terminated with "\n".
func (h *Helper) WriteLine(ctx context.Context, line string) error {
	if h == nil || h.conn == nil {
		return fmt.Errorf("wire: no connection")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.conn, strings.TrimRight(line, "\n")+"\n")
	return err
}

// QueryLine writes a command and reads back exactly one reply line.
func (h *Helper) QueryLine(ctx context.Context, line string) (string, error) {
	if err := h.WriteLine(ctx, line); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	reply, err := h.reader.ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

// DecodeJSONPayload splits a reply of the form "<header>\n{json}" (a SCPI
// acknowledgement line followed by a JSON body) and extracts path from the
// JSON portion. Replies with no embedded JSON return gjson's zero Result.
func DecodeJSONPayload(reply string, path string) gjson.Result {
	idx := strings.IndexByte(reply, '{')
	if idx < 0 {
		return gjson.Result{}
	}
	return gjson.Get(reply[idx:], path)
}
