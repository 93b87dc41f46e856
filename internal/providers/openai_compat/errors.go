package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"albert/internal/apierr"
)

// NormalizeTransport maps a failed round trip to a gateway error: every
// timeout class becomes 504, anything else a 500 naming the failure kind.
func NormalizeTransport(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	var e *apierr.Error
	if errors.As(err, &e) {
		return e
	}
	if IsTimeout(err) {
		return apierr.Unavailable()
	}
	return apierr.Internal(kindName(err))
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func kindName(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return "ConnectError"
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "errorString" {
		return "InternalError"
	}
	return name
}

// NormalizeStatus turns a non-2xx upstream body into a gateway error that
// keeps the upstream status.
func NormalizeStatus(status int, body []byte) *apierr.Error {
	return apierr.Upstream(status, errorDetail(body))
}

func errorDetail(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if !gjson.Valid(trimmed) {
		return trimmed
	}
	parsed := gjson.Parse(trimmed)
	if msg := parsed.Get("message"); msg.Exists() {
		if msg.Type == gjson.String {
			if v, ok := parseStructured(msg.String()); ok {
				return v
			}
		}
		return msg.Value()
	}
	if msg := parsed.Get("error.message"); msg.Type == gjson.String {
		return msg.String()
	}
	if detail := parsed.Get("detail"); detail.Exists() {
		return detail.Value()
	}
	return parsed.Value()
}

// ReshapeErrorChunk unwraps a stringified "message" field in place so the
// chunk forwarded to the client carries the structure.
func ReshapeErrorChunk(chunk []byte) []byte {
	msg := gjson.GetBytes(chunk, "message")
	if msg.Type != gjson.String {
		return chunk
	}
	raw, ok := structuredJSON(msg.String())
	if !ok {
		return chunk
	}
	out, err := sjson.SetRawBytes(chunk, "message", []byte(raw))
	if err != nil {
		return chunk
	}
	return out
}

func parseStructured(s string) (any, bool) {
	raw, ok := structuredJSON(s)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

// structuredJSON accepts a JSON object or list, or the same written as a
// Python literal (single quotes, True/False/None), which some upstreams emit.
func structuredJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}
	if json.Valid([]byte(s)) {
		return s, true
	}
	return literalToJSON(s)
}

func literalToJSON(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			quote := c
			closed := false
			b.WriteByte('"')
			i++
			for i < len(s) {
				ch := s[i]
				if ch == '\\' && i+1 < len(s) {
					if s[i+1] == '\'' {
						b.WriteByte('\'')
					} else {
						b.WriteByte('\\')
						b.WriteByte(s[i+1])
					}
					i += 2
					continue
				}
				if ch == quote {
					closed = true
					i++
					break
				}
				if ch == '"' {
					b.WriteString(`\"`)
				} else {
					b.WriteByte(ch)
				}
				i++
			}
			if !closed {
				return "", false
			}
			b.WriteByte('"')
		case strings.HasPrefix(s[i:], "True"):
			b.WriteString("true")
			i += 4
		case strings.HasPrefix(s[i:], "False"):
			b.WriteString("false")
			i += 5
		case strings.HasPrefix(s[i:], "None"):
			b.WriteString("null")
			i += 4
		default:
			b.WriteByte(c)
			i++
		}
	}
	out := b.String()
	return out, json.Valid([]byte(out))
}
