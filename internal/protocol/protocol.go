package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire message types. The calling service speaks camelCase JSON; these tags
// are the service's contract, not ours to restyle.
const (
	// client → server
	TypeAuth           = "auth"
	TypeUtterance      = "utterance"
	TypeCallEndRequest = "call_end_request"

	// server → client
	TypeAuthResult  = "auth_result"
	TypeUserMessage = "user_message"
	TypeCallStart   = "call_start"
	TypeCallEnd     = "call_end"

	// both directions
	TypePing = "ping"
	TypePong = "pong"
)

const (
	SourceBrowser = "browser"
	SourcePhone   = "phone"
)

// APIKeyPrefix is required on every key; anything else is rejected locally
// before an auth message is ever sent.
const APIKeyPrefix = "cc_"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// UnknownTypeError marks a well-formed frame whose type this client does not
// handle. Callers log it and move on; it must not tear the connection down.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

func ValidateAPIKey(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("api key must start with %q", APIKeyPrefix)
	}
	return nil
}

type ClientAuth struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
}

func NewAuth(apiKey string) ClientAuth {
	return ClientAuth{Type: TypeAuth, APIKey: apiKey}
}

type ClientUtterance struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utteranceId"`
	CallID      string `json:"callId"`
	Text        string `json:"text"`
	EndCall     bool   `json:"endCall,omitempty"`
}

func NewUtterance(utteranceID, callID, text string, endCall bool) ClientUtterance {
	return ClientUtterance{
		Type:        TypeUtterance,
		UtteranceID: utteranceID,
		CallID:      callID,
		Text:        text,
		EndCall:     endCall,
	}
}

type ClientCallEndRequest struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	CallID string `json:"callId"`
}

func NewCallEndRequest(userID, callID string) ClientCallEndRequest {
	return ClientCallEndRequest{Type: TypeCallEndRequest, UserID: userID, CallID: callID}
}

type ClientPing struct {
	Type string `json:"type"`
}

func NewPing() ClientPing {
	return ClientPing{Type: TypePing}
}

type ClientPong struct {
	Type string `json:"type"`
}

func NewPong() ClientPong {
	return ClientPong{Type: TypePong}
}

type ServerAuthResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ServerUserMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	CallID    string `json:"callId"`
}

type ServerCallStart struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Source string `json:"source"`
}

type ServerCallEnd struct {
	Type            string    `json:"type"`
	CallID          string    `json:"callId"`
	DurationSeconds int       `json:"durationSeconds"`
	Source          string    `json:"source"`
	StartedAt       time.Time `json:"startedAt"`
}

type ServerPing struct {
	Type string `json:"type"`
}

type ServerPong struct {
	Type string `json:"type"`
}

// DecodeServerMessage decodes one inbound frame into its typed message.
// Unknown types return *UnknownTypeError so the caller can log and ignore
// them without treating the frame as a protocol failure.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case TypeAuthResult:
		var msg ServerAuthResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid auth_result", "")
		}
		if msg.Success && strings.TrimSpace(msg.UserID) == "" {
			return nil, badFrame("auth_result.userId is required on success", "userId")
		}
		return msg, nil
	case TypeUserMessage:
		var msg ServerUserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid user_message", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("user_message.callId is required", "callId")
		}
		return msg, nil
	case TypeCallStart:
		var msg ServerCallStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid call_start", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("call_start.callId is required", "callId")
		}
		switch msg.Source {
		case SourceBrowser, SourcePhone:
		default:
			return nil, unsupported("unsupported call source", "source")
		}
		return msg, nil
	case TypeCallEnd:
		var msg ServerCallEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid call_end", "")
		}
		if strings.TrimSpace(msg.CallID) == "" {
			return nil, badFrame("call_end.callId is required", "callId")
		}
		// Source is informational here; an odd value must not cost us the
		// session cleanup, so it passes through as received.
		return msg, nil
	case TypePing:
		return ServerPing{Type: TypePing}, nil
	case TypePong:
		return ServerPong{Type: TypePong}, nil
	default:
		return nil, &UnknownTypeError{Type: typ}
	}
}
