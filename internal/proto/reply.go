package proto

import (
	"fmt"
	"strconv"
)

// Kind tags the shape of a Reply: the core only ever inspects Int, Data
// and Bulk replies (plus errors, modeled separately).
type Kind int

const (
	KindInt Kind = iota
	KindData
	KindBulk
)

// Reply is the tagged union the core inspects.
type Reply struct {
	Kind Kind
	Int  int64
	Data []byte
	Bulk []Reply
}

// ReplyError is a RESP error reply, generalized so that the server's
// leading error-code token (MOVED, ASK, TRYAGAIN, CLUSTERDOWN, ERR, ...)
// is exposed distinctly from the rest of the message. A plain
// strings.Contains(err.Error(), "MOVED") check is unsafe, since a MOVED
// payload embeds a routing target ("MOVED 3999 127.0.0.1:6381") that
// could appear inside an unrelated message too.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + " " + e.Message
}

func parseReplyError(line string) *ReplyError {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			code := line[:i]
			if isErrorCode(code) {
				return &ReplyError{Code: code, Message: line[i+1:]}
			}
			break
		}
	}
	return &ReplyError{Message: line}
}

func isErrorCode(tok string) bool {
	if len(tok) < 2 {
		return false
	}
	for _, r := range tok {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ToString renders a reply for diagnostics/tests; it does not attempt to
// cover every reply shape, only the ones this client deals in.
func ToString(r Reply) string {
	switch r.Kind {
	case KindInt:
		return strconv.FormatInt(r.Int, 10)
	case KindData:
		return string(r.Data)
	case KindBulk:
		return fmt.Sprintf("%v", r.Bulk)
	default:
		return ""
	}
}
