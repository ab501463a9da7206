// Package task loads task descriptors from the evaluation examples tree.
package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/deskexam/pkg/examerr"
)

// Evaluation versions
const (
	EvalV1 = "v1"
	EvalV2 = "v2"
)

// Descriptor is one task instance. It is immutable once loaded.
type Descriptor struct {
	Domain      string
	ExampleID   string
	EvalVersion string
	Instruction string

	// Path the descriptor was read from
	Path string

	raw    []byte
	fields map[string]interface{}
	steps  []Step
}

// ResolvePath maps (eval_version, domain, example_id) to the descriptor file.
// v1 reads from examples/, v2 from examples_v2/.
func ResolvePath(baseDir, evalVersion, domain, exampleID string) (string, error) {
	var sub string
	switch evalVersion {
	case EvalV1:
		sub = "examples"
	case EvalV2:
		sub = "examples_v2"
	default:
		return "", examerr.New(examerr.KindConfiguration, "resolve_descriptor",
			"unknown eval version %q (expected v1 or v2)", evalVersion)
	}
	if domain == "" || exampleID == "" {
		return "", examerr.New(examerr.KindConfiguration, "resolve_descriptor",
			"domain and example id are required")
	}
	if strings.ContainsAny(domain, `/\`) || strings.ContainsAny(exampleID, `/\`) {
		return "", examerr.New(examerr.KindConfiguration, "resolve_descriptor",
			"domain and example id must not contain path separators")
	}
	return filepath.Join(baseDir, sub, domain, exampleID+".json"), nil
}

// Load resolves and parses the descriptor for one example.
func Load(baseDir, evalVersion, domain, exampleID string) (*Descriptor, error) {
	path, err := ResolvePath(baseDir, evalVersion, domain, exampleID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, examerr.Wrap(examerr.KindConfigurationNotFound, "load_descriptor",
				fmt.Errorf("configuration file does not exist: %s", path))
		}
		return nil, examerr.Wrap(examerr.KindConfiguration, "load_descriptor",
			fmt.Errorf("failed to read %s: %w", path, err))
	}

	d, err := Parse(data)
	if err != nil {
		return nil, examerr.Wrap(examerr.KindConfiguration, "load_descriptor",
			fmt.Errorf("%s: %w", path, err))
	}
	d.Domain = domain
	d.ExampleID = exampleID
	d.EvalVersion = evalVersion
	d.Path = path
	return d, nil
}

// Parse decodes descriptor JSON. The raw bytes are kept verbatim.
func Parse(data []byte) (*Descriptor, error) {
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("descriptor must be a JSON object")
	}

	instruction, ok := fields["instruction"].(string)
	if !ok {
		return nil, fmt.Errorf("descriptor is missing string field \"instruction\"")
	}

	steps, err := parseSteps(fields["config"])
	if err != nil {
		return nil, err
	}

	raw := make([]byte, len(data))
	copy(raw, data)

	return &Descriptor{
		Instruction: instruction,
		raw:         raw,
		fields:      fields,
		steps:       steps,
	}, nil
}

// ID returns the descriptor's own "id" field, falling back to the example id
func (d *Descriptor) ID() string {
	if id, ok := d.fields["id"].(string); ok && id != "" {
		return id
	}
	return d.ExampleID
}

// Raw returns a copy of the descriptor bytes as read
func (d *Descriptor) Raw() json.RawMessage {
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out
}

// Field returns a top-level descriptor field
func (d *Descriptor) Field(key string) (interface{}, bool) {
	v, ok := d.fields[key]
	return v, ok
}

// Steps returns the setup steps from the descriptor's "config" array
func (d *Descriptor) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}
