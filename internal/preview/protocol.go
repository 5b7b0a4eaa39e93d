package preview

import "encoding/json"

// Frame types. The server sends log, subscribe_ack and error; viewers send
// subscribe.
const (
	TypeLog          = "log"
	TypeSubscribe    = "subscribe"
	TypeSubscribeAck = "subscribe_ack"
	TypeError        = "error"
)

// BaseMessage is the frame envelope on both the websocket and SSE streams.
type BaseMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload narrows the stream to one workflow. An empty WorkflowID
// streams everything.
type SubscribePayload struct {
	WorkflowID string `json:"workflowId"`
}

// LogPayload carries one debug line.
type LogPayload struct {
	Line string `json:"line"`
	At   int64  `json:"at"` // unix millis
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func logMessage(l Line) BaseMessage {
	return BaseMessage{Type: TypeLog, Payload: mustMarshal(LogPayload{Line: l.Text, At: l.At.UnixMilli()})}
}

func errorMessage(id, code, message string) BaseMessage {
	return BaseMessage{ID: id, Type: TypeError, Payload: mustMarshal(ErrorPayload{Code: code, Message: message})}
}

// mustMarshal is only used on the payload structs above, which always encode.
func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
