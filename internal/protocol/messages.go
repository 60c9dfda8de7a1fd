package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/gorilla/websocket"

	"github.com/bardlex/hivepool/internal/jobs"
	"github.com/bardlex/hivepool/pkg/errors"
)

// Kind is the closed set of client message types.
type Kind int

const (
	// KindUnknown is any type the server does not handle. It is ignored.
	KindUnknown Kind = iota
	// KindSubmit carries a solution for a buffered job.
	KindSubmit
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	default:
		return "unknown"
	}
}

func parseKind(s string) Kind {
	switch s {
	case "submit":
		return KindSubmit
	default:
		return KindUnknown
	}
}

// Close codes used by the server.
const (
	CloseGoingAway         = websocket.CloseGoingAway
	CloseUnsupportedData   = websocket.CloseUnsupportedData
	ClosePolicyViolation   = websocket.ClosePolicyViolation
	CloseNormalClosure     = websocket.CloseNormalClosure
	closeReasonBye         = "Bye."
	closeReasonTooLarge    = "Message too large"
	closeReasonInvalidJSON = "Invalid JSON"
	closeReasonBadField    = "Invalid data format"
)

// Rejection messages sent to miners.
const (
	RejectJobMismatch  = "Job ID mismatch"
	RejectDuplicate    = "Duplicate share"
	RejectRateLimited  = "Rate limited"
	RejectMalformed    = "Malformed share"
	RejectUnavailable  = "Share not recorded"
	RejectAddressCheck = "Address check unavailable"
)

var fieldPattern = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// Submit is a parsed submit message.
type Submit struct {
	MinerID string `json:"miner_id"`
	Nonce   string `json:"nonce"`
	JobID   string `json:"job_id"`
	Path    string `json:"path"`
}

// ClientMessage is a parsed client message. Submit is set for KindSubmit.
type ClientMessage struct {
	Kind   Kind
	Submit *Submit
}

// ProtocolError is a wire violation that ends the connection with Code.
type ProtocolError struct {
	Code   int
	Reason string
	Err    *errors.ServiceError
}

func (e *ProtocolError) Error() string {
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(code int, reason string, cause error, message string) *ProtocolError {
	var se *errors.ServiceError
	if cause != nil {
		se = errors.Wrap(cause, errors.ErrorTypeProtocol, "parse_message", message)
	} else {
		se = errors.New(errors.ErrorTypeProtocol, "parse_message", message)
	}
	se.WithContext("close_code", code)
	return &ProtocolError{Code: code, Reason: reason, Err: se}
}

// ParseClientMessage decodes one client frame.
//
// Parameters:
//   - data: the raw frame
//   - maxSize: the frame size cap in bytes
//
// Returns:
//   - *ClientMessage: the message, with Kind KindUnknown for types the server ignores
//   - error: a *ProtocolError carrying the close code on any wire violation
func ParseClientMessage(data []byte, maxSize int) (*ClientMessage, error) {
	if len(data) > maxSize {
		return nil, protocolError(ClosePolicyViolation, closeReasonTooLarge, nil,
			fmt.Sprintf("message of %d bytes exceeds %d", len(data), maxSize))
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, protocolError(CloseUnsupportedData, closeReasonInvalidJSON, err, "malformed JSON")
	}

	msg := &ClientMessage{Kind: parseKind(envelope.Type)}
	switch msg.Kind {
	case KindSubmit:
		var submit Submit
		if err := json.Unmarshal(data, &submit); err != nil {
			return nil, protocolError(CloseUnsupportedData, closeReasonInvalidJSON, err, "malformed submit")
		}
		for name, value := range map[string]string{
			"miner_id": submit.MinerID,
			"nonce":    submit.Nonce,
			"job_id":   submit.JobID,
			"path":     submit.Path,
		} {
			if !fieldPattern.MatchString(value) {
				return nil, protocolError(ClosePolicyViolation, closeReasonBadField, nil,
					fmt.Sprintf("field %s is not alphanumeric", name))
			}
		}
		msg.Submit = &submit
	case KindUnknown:
	}
	return msg, nil
}

// jobMessage is the server's job assignment.
type jobMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Data   string `json:"data"`
	Target string `json:"target"`
}

type resultMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// MarshalJob encodes a job assignment.
func MarshalJob(job *jobs.Job) ([]byte, error) {
	return json.Marshal(jobMessage{
		Type:   "job",
		JobID:  job.ID,
		Data:   job.Template.PayloadHex,
		Target: job.TargetHex(),
	})
}

// MarshalAccepted encodes an accepted reply.
func MarshalAccepted() []byte {
	data, _ := json.Marshal(resultMessage{Type: "accepted"})
	return data
}

// MarshalRejected encodes a rejected reply. An empty message is omitted.
func MarshalRejected(message string) []byte {
	data, _ := json.Marshal(resultMessage{Type: "rejected", Message: message})
	return data
}
