package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Action names the kind of a protocol message.
type Action string

const (
	// Worker → Coordinator
	ActionHello  Action = "hello"
	ActionResult Action = "result"

	// Coordinator → Worker
	ActionAnalyse Action = "analyse"
)

// ErrInvalidMessage is returned when a frame does not match the schema of its action.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one frame exchanged between a worker and its coordinator.
// The set of implementations is closed: Hello, Analyse, AnalysisResult and
// Unknown (an action this build does not understand).
type Message interface {
	Action() Action
	isMessage()
}

// envelope is the top-level wire frame.
type envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is the handshake a worker sends right after connecting.
type Hello struct {
	Identifier string `json:"identifier"`
}

// Analyse assigns a batch of files to a worker.
type Analyse struct {
	Files []string `json:"files"`
}

// Unknown carries a well-formed frame whose action is not part of the protocol.
// Receivers ignore it.
type Unknown struct {
	Name    Action
	Payload json.RawMessage
}

func (Hello) Action() Action          { return ActionHello }
func (Analyse) Action() Action        { return ActionAnalyse }
func (AnalysisResult) Action() Action { return ActionResult }
func (u Unknown) Action() Action      { return u.Name }

func (Hello) isMessage()          {}
func (Analyse) isMessage()        {}
func (AnalysisResult) isMessage() {}
func (Unknown) isMessage()        {}

// MarshalMessage encodes m as a single JSON object without a trailing newline.
func MarshalMessage(m Message) ([]byte, error) {
	var payload any = m
	switch v := m.(type) {
	case Analyse:
		if v.Files == nil {
			v.Files = []string{}
		}
		payload = v
	case AnalysisResult:
		if v.Errors == nil {
			v.Errors = []Diagnostic{}
		}
		payload = v
	case Unknown:
		if len(v.Payload) == 0 {
			payload = struct{}{}
		} else {
			payload = v.Payload
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Action(), err)
	}
	return json.Marshal(envelope{Action: m.Action(), Payload: data})
}

// UnmarshalMessage decodes one frame and validates its payload against the
// schema of its action. Unknown actions decode to Unknown.
func UnmarshalMessage(data []byte) (Message, error) {
	var env envelope
	if err := strictDecode(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrInvalidMessage)
	}

	switch env.Action {
	case ActionHello:
		var p struct {
			Identifier *string `json:"identifier"`
		}
		if err := strictDecode(env.Payload, &p); err != nil {
			return nil, payloadError(env.Action, err)
		}
		if p.Identifier == nil || *p.Identifier == "" {
			return nil, payloadError(env.Action, errors.New("identifier is required"))
		}
		return Hello{Identifier: *p.Identifier}, nil

	case ActionAnalyse:
		var p struct {
			Files *[]string `json:"files"`
		}
		if err := strictDecode(env.Payload, &p); err != nil {
			return nil, payloadError(env.Action, err)
		}
		if p.Files == nil {
			return nil, payloadError(env.Action, errors.New("files is required"))
		}
		for i, f := range *p.Files {
			if f == "" {
				return nil, payloadError(env.Action, fmt.Errorf("files[%d] is empty", i))
			}
		}
		return Analyse{Files: *p.Files}, nil

	case ActionResult:
		var p struct {
			Errors                                    *[]Diagnostic `json:"errors"`
			FilesCount                                *int          `json:"filesCount"`
			InternalErrorsCount                       *int          `json:"internalErrorsCount"`
			HasInferrablePropertyTypesFromConstructor bool          `json:"hasInferrablePropertyTypesFromConstructor"`
		}
		if err := strictDecode(env.Payload, &p); err != nil {
			return nil, payloadError(env.Action, err)
		}
		switch {
		case p.Errors == nil:
			return nil, payloadError(env.Action, errors.New("errors is required"))
		case p.FilesCount == nil || *p.FilesCount < 0:
			return nil, payloadError(env.Action, errors.New("filesCount must be a non-negative integer"))
		case p.InternalErrorsCount == nil || *p.InternalErrorsCount < 0:
			return nil, payloadError(env.Action, errors.New("internalErrorsCount must be a non-negative integer"))
		}
		return AnalysisResult{
			Errors:              *p.Errors,
			FilesCount:          *p.FilesCount,
			InternalErrorsCount: *p.InternalErrorsCount,
			HasInferrablePropertyTypesFromConstructor: p.HasInferrablePropertyTypesFromConstructor,
		}, nil

	default:
		return Unknown{Name: env.Action, Payload: env.Payload}, nil
	}
}

func payloadError(action Action, err error) error {
	return fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, action, err)
}

// strictDecode rejects unknown fields and trailing data.
func strictDecode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after object")
	}
	return nil
}
