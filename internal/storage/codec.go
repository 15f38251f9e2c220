package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	formatJSON    = "json"
	formatMsgpack = "msgpack"
)

// formatOf picks the codec from cfg.Format, falling back to the path's
// extension.
func formatOf(format, path string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".msgpack", ".mpk":
			f = formatMsgpack
		default:
			f = formatJSON
		}
	}
	switch f {
	case formatJSON, formatMsgpack:
		return f, nil
	default:
		return "", fmt.Errorf("unknown storage format %q", format)
	}
}

func contentType(format string) string {
	if format == formatMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

func encodeState(format string, st State) ([]byte, error) {
	if format == formatMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.UseCompactInts(true)
		if err := enc.Encode(st); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.MarshalIndent(st, "", "  ")
}

func decodeState(format string, b []byte) (State, error) {
	var st State
	var err error
	if format == formatMsgpack {
		err = msgpack.Unmarshal(b, &st)
	} else {
		err = json.Unmarshal(b, &st)
	}
	if err != nil {
		return State{}, fmt.Errorf("decode state (%s): %w", format, err)
	}
	return st, nil
}
