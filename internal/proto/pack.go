package proto

import (
	"bytes"
	"fmt"
	"strconv"
)

// Pack encodes a command and its arguments as a RESP array of bulk
// strings — the packed form the routing engine treats as opaque.
// Grounded on df2redis's internal/redisx/client.go writeCommand/
// formatArg.
func Pack(cmd string, args ...interface{}) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", 1+len(args))
	writeBulk(&buf, cmd)
	for _, arg := range args {
		writeBulk(&buf, formatArg(arg))
	}
	return buf.Bytes()
}

// pack is Pack's unexported alias, used internally by Conn.
func pack(cmd string, args ...interface{}) []byte { return Pack(cmd, args...) }

// PackMany concatenates several Pack-encoded commands into one
// transcript suitable for Conn.SendMany.
func PackMany(cmds ...[]byte) []byte {
	var buf bytes.Buffer
	for _, c := range cmds {
		buf.Write(c)
	}
	return buf.Bytes()
}

func writeBulk(buf *bytes.Buffer, value string) {
	fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(value), value)
}

func formatArg(arg interface{}) string {
	switch v := arg.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(arg)
	}
}
