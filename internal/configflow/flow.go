// Package configflow drives interactive connector setup. Each flow is a
// per-session state machine: stepping with no input returns the prompt
// for the current step, stepping with input validates it and moves on.
package configflow

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowFinished: a finished flow accepts no further input.
	ErrFlowFinished = errors.New("config flow already finished")

	ErrUnknownConnectorType = errors.New("no config flow for connector type")

	ErrUnknownFlow = errors.New("unknown flow id")
)

// Step identifiers, also used as prompt names on the wire.
const (
	StepPhone            = "phone"
	StepVerificationCode = "verification_code"
	StepPassword         = "password"
	StepFinished         = "finished"
)

// Field describes one input the caller must supply next.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Len  int    `json:"len,omitempty"`
}

// Prompt is what a step returns: either the fields for the next input or
// a terminal marker with the data collected along the way.
type Prompt struct {
	Step     string         `json:"step"`
	Fields   []Field        `json:"fields,omitempty"`
	Finished bool           `json:"finished,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Flow interface {
	// Step advances the flow. A nil input asks for the current prompt
	// without transitioning; non-nil input (even empty) is an answer.
	Step(input map[string]any) (Prompt, error)

	// Current reports the step the flow is waiting on.
	Current() string
}

// Registry maps connector type strings to flow constructors.
type Registry struct {
	flows map[string]func() Flow
}

// NewRegistry returns a registry with the built-in connector flows.
func NewRegistry() *Registry {
	r := &Registry{flows: make(map[string]func() Flow)}
	r.Register("telegram", func() Flow { return NewTelegramFlow() })
	r.Register("whatsapp", func() Flow { return NewWhatsAppFlow() })
	return r
}

func (r *Registry) Register(connectorType string, ctor func() Flow) {
	r.flows[connectorType] = ctor
}

func (r *Registry) New(connectorType string) (Flow, error) {
	ctor, ok := r.flows[connectorType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnectorType, connectorType)
	}
	return ctor(), nil
}
