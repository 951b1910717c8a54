// Package mailbox implements the per-(arbiter,actor) connection spec.md
// §4.2 describes: exactly one persistent TCP connection, framed as
// unmasked WebSocket binary data frames (pkg/wire), each frame payload
// tagged request or reply and carrying a self-describing binary record
// (pkg/codec), dispatched through the process-global command registry
// (pkg/command). It is grounded on the teacher's eventbus request/reply
// pattern (pkg/core/eventbus_impl.go's Request: generate a reply address,
// register a temporary handler, send, wait with a context timeout)
// adapted from an in-process bus to a wire connection, with the
// replyMailbox's single-slot wait replaced by a per-id map of pending
// channels so many requests can be in flight on one connection at once.
package mailbox

import "fmt"

// Frame tags, per spec.md §4.2.
const (
	tagRequest byte = 0x01
	tagReply   byte = 0x02
)

// requestFields mirrors the record sent with tagRequest.
type requestFields struct {
	ID     string
	Cmd    string
	Caller string
	Target string
	Args   []interface{}
	Kwargs map[string]interface{}
	Token  string
}

// replyFields mirrors the record sent with tagReply.
type replyFields struct {
	ID     string
	Result interface{}
	Err    string
}

func encodeRequest(f requestFields) interface{} {
	args := f.Args
	if args == nil {
		args = []interface{}{}
	}
	kwargs := f.Kwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":     f.ID,
		"cmd":    f.Cmd,
		"caller": f.Caller,
		"target": f.Target,
		"args":   args,
		"kwargs": kwargs,
		"token":  f.Token,
	}
}

func decodeRequest(v interface{}) (requestFields, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return requestFields{}, fmt.Errorf("mailbox: request record is not a map")
	}
	f := requestFields{}
	f.ID, _ = m["id"].(string)
	f.Cmd, _ = m["cmd"].(string)
	f.Caller, _ = m["caller"].(string)
	f.Target, _ = m["target"].(string)
	f.Token, _ = m["token"].(string)
	if args, ok := m["args"].([]interface{}); ok {
		f.Args = args
	}
	if kwargs, ok := m["kwargs"].(map[string]interface{}); ok {
		f.Kwargs = kwargs
	}
	if f.ID == "" || f.Cmd == "" {
		return requestFields{}, fmt.Errorf("mailbox: request record missing id or cmd")
	}
	return f, nil
}

func encodeReply(f replyFields) interface{} {
	result := f.Result
	return map[string]interface{}{
		"id":     f.ID,
		"result": result,
		"err":    f.Err,
	}
}

func decodeReply(v interface{}) (replyFields, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return replyFields{}, fmt.Errorf("mailbox: reply record is not a map")
	}
	f := replyFields{}
	f.ID, _ = m["id"].(string)
	f.Err, _ = m["err"].(string)
	f.Result = m["result"]
	if f.ID == "" {
		return replyFields{}, fmt.Errorf("mailbox: reply record missing id")
	}
	return f, nil
}
