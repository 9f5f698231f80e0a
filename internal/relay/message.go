package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel message types.
const (
	TypeESP32  = "esp32"
	TypeServer = "server"
	TypeAck    = "ack"
)

const welcomeText = "Connected to WebSocket server"

var errNotObject = errors.New("payload is not a JSON object")

// Inspection is the result of a best-effort decode of an inbound payload.
// It is either Unstructured or Recognized and is only used for logging.
type Inspection interface {
	isInspection()
}

// Unstructured is a payload that is not a JSON object.
type Unstructured struct {
	Size int
	Err  error
}

// Recognized is a JSON object payload. SensorData is set only for esp32
// messages that carry a sensordata field.
type Recognized struct {
	Type       string
	SensorData json.RawMessage
}

func (Unstructured) isInspection() {}
func (Recognized) isInspection()   {}

type envelope struct {
	Type       string          `json:"type"`
	SensorData json.RawMessage `json:"sensordata"`
}

// Inspect decodes payload as far as it can. It never fails; a payload that is
// not a JSON object comes back as Unstructured with the decode error.
func Inspect(payload []byte) Inspection {
	if trimmed := bytes.TrimSpace(payload); len(trimmed) == 0 || trimmed[0] != '{' {
		return Unstructured{Size: len(payload), Err: errNotObject}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Unstructured{Size: len(payload), Err: err}
	}

	rec := Recognized{Type: env.Type}
	if env.Type == TypeESP32 && len(env.SensorData) > 0 && string(env.SensorData) != "null" {
		rec.SensorData = env.SensorData
	}
	return rec
}

// Record is a server-originated structured message.
type Record struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func newRecord(kind, message string, now time.Time) []byte {
	data, err := json.Marshal(Record{Type: kind, Message: message, Timestamp: now.UnixMilli()})
	if err != nil {
		// Record only holds strings and an int64.
		panic(err)
	}
	return data
}

// WelcomeRecord builds the record sent once to every new connection.
func WelcomeRecord(now time.Time) []byte {
	return newRecord(TypeServer, welcomeText, now)
}

// AckRecord builds the acknowledgement sent to a sender after a broadcast.
func AckRecord(recipients int, now time.Time) []byte {
	return newRecord(TypeAck, ackText(recipients), now)
}

func ackText(recipients int) string {
	if recipients == 1 {
		return "Message relayed to 1 client"
	}
	return fmt.Sprintf("Message relayed to %d clients", recipients)
}
