// Package cursor models opaque change-data-capture positions.
//
// A cursor is the engine-specific change-log position for one table:
// an LSN for SQL Server, a logical replication position for PostgreSQL,
// a binlog file+offset for MySQL, an SCN for Oracle. The core treats it
// as an opaque bytestring that only ever moves forward.
package cursor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Cursor is an opaque change-log position. A nil Cursor means "no position
// recorded yet"; adapters interpret it as "start from the current minimum".
type Cursor []byte

// Parse decodes the persisted hex form of a cursor. Both "0x"-prefixed and
// bare hex strings are accepted; an empty string yields a zero Cursor.
func Parse(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor(b), nil
}

// String returns the canonical persisted form: "0x" followed by lower-case
// hex. A zero Cursor renders as the empty string.
func (c Cursor) String() string {
	if len(c) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(c)
}

// IsZero reports whether no position has been recorded.
func (c Cursor) IsZero() bool {
	return len(c) == 0
}

// Compare orders two cursors from the same table. Cursors are compared as
// big-endian unsigned integers, so positions of different byte lengths from
// the same engine still order correctly. A zero cursor sorts before any
// non-zero cursor.
func Compare(a, b Cursor) int {
	at, bt := trimLeadingZeros(a), trimLeadingZeros(b)
	if len(at) != len(bt) {
		if len(at) < len(bt) {
			return -1
		}
		return 1
	}
	return bytes.Compare(at, bt)
}

// Max returns the later of two cursors.
func Max(a, b Cursor) Cursor {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

func trimLeadingZeros(c Cursor) Cursor {
	i := 0
	for i < len(c) && c[i] == 0 {
		i++
	}
	return c[i:]
}
