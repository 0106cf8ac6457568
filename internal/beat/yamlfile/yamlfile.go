// Package yamlfile loads static beat.EntrySpec documents from a YAML
// file, grounded on the teacher's internal/spec.ParseFile/Parse (a
// multi-document YAML decode loop building one spec type per
// document). celerybeat uses this at startup to seed a beat.Store from
// a file that ships with a deployment, separately from any entries
// added at runtime through admin tooling.
package yamlfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kidoz/dotcelery/internal/beat"
)

// entryDoc mirrors beat.EntrySpec for YAML decoding: durations are
// strings ("30s", "1h") the way config files author them, and Args is
// a freeform YAML mapping marshaled to JSON for the task payload.
type entryDoc struct {
	Name     string                 `yaml:"name"`
	TaskName string                 `yaml:"task"`
	Args     map[string]interface{} `yaml:"args,omitempty"`
	Queue    string                 `yaml:"queue,omitempty"`
	Priority int                    `yaml:"priority,omitempty"`
	Expires  string                 `yaml:"expires,omitempty"`

	Cron     string `yaml:"cron,omitempty"`
	Interval string `yaml:"interval,omitempty"`

	Enabled   *bool  `yaml:"enabled,omitempty"`
	MaxJitter string `yaml:"max_jitter,omitempty"`
}

// Load reads path and returns the EntrySpecs it describes.
func Load(path string) ([]beat.EntrySpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("yamlfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes every YAML document in r into a beat.EntrySpec.
func Parse(r io.Reader) ([]beat.EntrySpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []beat.EntrySpec

	for {
		var doc entryDoc
		err := decoder.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("yamlfile: decode: %w", err)
		}
		if doc.Name == "" && doc.TaskName == "" {
			continue
		}

		spec, err := toEntrySpec(doc)
		if err != nil {
			return nil, fmt.Errorf("yamlfile: entry %q: %w", doc.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Dump writes specs to path as a multi-document YAML file, the inverse
// of Load. Used by admin tooling that adds or removes a static entry
// and needs to persist the result back to the same file.
func Dump(path string, specs []beat.EntrySpec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("yamlfile: create %s: %w", path, err)
	}
	defer f.Close()

	encoder := yaml.NewEncoder(f)
	defer encoder.Close()
	for _, spec := range specs {
		if err := encoder.Encode(toDoc(spec)); err != nil {
			return fmt.Errorf("yamlfile: encode %q: %w", spec.Name, err)
		}
	}
	return nil
}

func toDoc(spec beat.EntrySpec) entryDoc {
	doc := entryDoc{
		Name:     spec.Name,
		TaskName: spec.TaskName,
		Queue:    spec.Queue,
		Priority: spec.Priority,
		Cron:     spec.CronExpr,
		Enabled:  &spec.Enabled,
	}
	if len(spec.Args) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(spec.Args, &m); err == nil {
			doc.Args = m
		}
	}
	if spec.Interval > 0 {
		doc.Interval = spec.Interval.String()
	}
	if spec.ExpiresIn > 0 {
		doc.Expires = spec.ExpiresIn.String()
	}
	if spec.MaxJitter > 0 {
		doc.MaxJitter = spec.MaxJitter.String()
	}
	return doc
}

func toEntrySpec(doc entryDoc) (beat.EntrySpec, error) {
	if doc.Name == "" {
		return beat.EntrySpec{}, fmt.Errorf("name is required")
	}
	if doc.TaskName == "" {
		return beat.EntrySpec{}, fmt.Errorf("task is required")
	}

	var args []byte
	if len(doc.Args) > 0 {
		encoded, err := json.Marshal(doc.Args)
		if err != nil {
			return beat.EntrySpec{}, fmt.Errorf("marshal args: %w", err)
		}
		args = encoded
	} else {
		args = []byte("{}")
	}

	spec := beat.EntrySpec{
		Name:     doc.Name,
		TaskName: doc.TaskName,
		Args:     args,
		Queue:    doc.Queue,
		Priority: doc.Priority,
		CronExpr: doc.Cron,
		Enabled:  true,
	}
	if doc.Enabled != nil {
		spec.Enabled = *doc.Enabled
	}

	if doc.Interval != "" {
		d, err := time.ParseDuration(doc.Interval)
		if err != nil {
			return beat.EntrySpec{}, fmt.Errorf("parse interval: %w", err)
		}
		spec.Interval = d
	}
	if doc.Expires != "" {
		d, err := time.ParseDuration(doc.Expires)
		if err != nil {
			return beat.EntrySpec{}, fmt.Errorf("parse expires: %w", err)
		}
		spec.ExpiresIn = d
	}
	if doc.MaxJitter != "" {
		d, err := time.ParseDuration(doc.MaxJitter)
		if err != nil {
			return beat.EntrySpec{}, fmt.Errorf("parse max_jitter: %w", err)
		}
		spec.MaxJitter = d
	}

	return spec, nil
}
