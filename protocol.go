package govtt

import (
	"encoding/json"
	"regexp"
)

// Operation codes. Every frame after the hello carries exactly one of these
// in its OPID field. The GM-prefixed codes require elevated authority.
const (
	OpPing       = "PING"
	OpRoll       = "ROLL"
	OpSelect     = "SELECT"
	OpRange      = "RANGE"
	OpOrder      = "ORDER"
	OpUpdate     = "UPDATE"
	OpCreate     = "CREATE"
	OpClone      = "CLONE"
	OpDelete     = "DELETE"
	OpBeacon     = "BEACON"
	OpMusic      = "MUSIC"
	OpGmCreate   = "GM-CREATE"
	OpGmMove     = "GM-MOVE"
	OpGmActivate = "GM-ACTIVATE"
	OpGmClone    = "GM-CLONE"
	OpGmDelete   = "GM-DELETE"

	// Server-initiated codes.
	OpAccept  = "ACCEPT"
	OpRefresh = "REFRESH"
	OpJoin    = "JOIN"
	OpQuit    = "QUIT"
)

// SlugPattern restricts GM and game URL slugs.
var SlugPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// Frame is one decoded JSON message. Field getters return ok=false when the
// field is absent or of the wrong shape; callers decide whether that is a
// protocol error or a silently ignored frame.
type Frame map[string]any

// ParseFrame decodes a raw JSON frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// OpID returns the frame's operation code.
func (f Frame) OpID() (string, bool) {
	return f.String("OPID")
}

// String returns a string field.
func (f Frame) String(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

// Int returns an integer field. JSON numbers decode as float64; fractional
// values are rejected.
func (f Frame) Int(key string) (int, bool) {
	v, ok := f[key].(float64)
	if !ok || v != float64(int(v)) {
		return 0, false
	}
	return int(v), true
}

// Float returns a numeric field.
func (f Frame) Float(key string) (float64, bool) {
	v, ok := f[key].(float64)
	return v, ok
}

// Bool returns a boolean field.
func (f Frame) Bool(key string) (bool, bool) {
	v, ok := f[key].(bool)
	return v, ok
}

// IDs returns a field holding a list of integer ids.
func (f Frame) IDs(key string) ([]int64, bool) {
	raw, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		v, ok := r.(float64)
		if !ok || v != float64(int64(v)) {
			return nil, false
		}
		ids = append(ids, int64(v))
	}
	return ids, true
}

// Strings returns a field holding a list of strings.
func (f Frame) Strings(key string) ([]string, bool) {
	raw, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Records returns a field holding a list of objects.
func (f Frame) Records(key string) ([]Frame, bool) {
	raw, ok := f[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]Frame, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, Frame(m))
	}
	return out, true
}
