package domain

import "time"

// Run is one execution of the prepared simulation set.
type Run struct {
	RunID     string     `json:"run_id"`
	State     RunState   `json:"state"`
	Overrides []string   `json:"overrides,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
}

// Field is a registered clone of the template topology sub-tree.
type Field struct {
	Index  int               `json:"index"`
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// IrrigationCommand asks the engine to irrigate one field during the next management step.
type IrrigationCommand struct {
	Field  int     `json:"field"`
	Amount float64 `json:"amount"`
}
