package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType names a setup action applied to the VM during reset
type StepType string

const (
	StepSleep          StepType = "sleep"
	StepExecute        StepType = "execute"
	StepCommand        StepType = "command"
	StepLaunch         StepType = "launch"
	StepOpen           StepType = "open"
	StepActivateWindow StepType = "activate_window"
)

var knownSteps = map[StepType]bool{
	StepSleep:          true,
	StepExecute:        true,
	StepCommand:        true,
	StepLaunch:         true,
	StepOpen:           true,
	StepActivateWindow: true,
}

// Step is one entry of the descriptor's "config" array
type Step struct {
	Type       StepType               `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Command returns the "command" parameter as an argv slice. A plain string is
// returned as a single element.
func (s Step) Command() ([]string, error) {
	switch v := s.Parameters["command"].(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		argv := make([]string, 0, len(v))
		for _, a := range v {
			str, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("%s: command elements must be strings", s.Type)
			}
			argv = append(argv, str)
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("%s: missing command parameter", s.Type)
	}
}

// Shell reports the "shell" parameter
func (s Step) Shell() bool {
	b, _ := s.Parameters["shell"].(bool)
	return b
}

// Param returns a required string parameter
func (s Step) Param(key string) (string, error) {
	v, ok := s.Parameters[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: missing %s parameter", s.Type, key)
	}
	return v, nil
}

// Duration returns the "seconds" parameter of a sleep step
func (s Step) Duration() (time.Duration, error) {
	switch v := s.Parameters["seconds"].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("sleep: invalid seconds: %w", err)
		}
		return time.Duration(f * float64(time.Second)), nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("sleep: missing seconds parameter")
	}
}

func parseSteps(v interface{}) ([]Step, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("descriptor \"config\" must be an array")
	}

	steps := make([]Step, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("config[%d] must be an object", i)
		}
		typ, _ := obj["type"].(string)
		if typ == "" {
			return nil, fmt.Errorf("config[%d] is missing type", i)
		}
		params, _ := obj["parameters"].(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}
		steps = append(steps, Step{Type: StepType(typ), Parameters: params})
	}
	return steps, nil
}

// Known reports whether the step type can be applied
func (s Step) Known() bool {
	return knownSteps[s.Type]
}
