// Package descriptoroverlay implements the optional declarative
// descriptor overlay named in SPEC_FULL.md's domain stack: a YAML file
// that overrides a registered procedure's queue/tags/retry policy/
// timeout without recompiling, loaded the way the teacher's
// internal/jobs/pipeline/learning_build/spec.go loads its stage graph
// (gopkg.in/yaml.v3 into a typed struct, applied over in-code defaults).
package descriptoroverlay

import (
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/dflow/internal/engine/durationx"
	"github.com/yungbote/dflow/internal/engine/registry"
	"github.com/yungbote/dflow/internal/engine/retry"
)

// ProcedureOverride is the overlay entry for one procedure name. Every
// field is optional; an absent field leaves the registered default
// untouched.
type ProcedureOverride struct {
	Queue   string   `yaml:"queue"`
	Tags    []string `yaml:"tags"`
	Timeout string   `yaml:"timeout"`
	Retry   *struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialDelay   string  `yaml:"initial_delay"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		MaxDelay       string  `yaml:"max_delay"`
		JitterFraction float64 `yaml:"jitter_fraction"`
	} `yaml:"retry"`
}

// Overlay is the parsed overlay document: procedure name -> override.
type Overlay struct {
	Procedures map[string]ProcedureOverride `yaml:"procedures"`
}

// Load reads and parses an overlay document from path.
func Load(path string) (*Overlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Overlay{Procedures: map[string]ProcedureOverride{}}, nil
		}
		return nil, fmt.Errorf("descriptoroverlay: read %s: %w", path, err)
	}
	return Parse(raw)
}

// LoadFS reads and parses an overlay document from an fs.FS (embed.FS in
// the common case, so a default overlay can ship inside the binary).
func LoadFS(fsys fs.FS, path string) (*Overlay, error) {
	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Overlay{Procedures: map[string]ProcedureOverride{}}, nil
		}
		return nil, fmt.Errorf("descriptoroverlay: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML bytes into an Overlay.
func Parse(raw []byte) (*Overlay, error) {
	var o Overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("descriptoroverlay: parse: %w", err)
	}
	if o.Procedures == nil {
		o.Procedures = map[string]ProcedureOverride{}
	}
	return &o, nil
}

// Apply merges ov's override for name (if any) onto desc, returning the
// merged descriptor. desc itself is not mutated.
func (ov *Overlay) Apply(name string, desc registry.Descriptor) (registry.Descriptor, error) {
	if ov == nil {
		return desc, nil
	}
	override, ok := ov.Procedures[name]
	if !ok {
		return desc, nil
	}
	if override.Queue != "" {
		desc.Queue = override.Queue
	}
	if len(override.Tags) > 0 {
		desc.Tags = override.Tags
	}
	if override.Timeout != "" {
		d, err := durationx.Parse(override.Timeout)
		if err != nil {
			return desc, fmt.Errorf("descriptoroverlay: procedure %q: %w", name, err)
		}
		desc.Timeout = d
	}
	if override.Retry != nil {
		p := retry.Policy{
			MaxAttempts:    override.Retry.MaxAttempts,
			BackoffFactor:  override.Retry.BackoffFactor,
			JitterFraction: override.Retry.JitterFraction,
		}
		if override.Retry.InitialDelay != "" {
			d, err := durationx.Parse(override.Retry.InitialDelay)
			if err != nil {
				return desc, fmt.Errorf("descriptoroverlay: procedure %q: %w", name, err)
			}
			p.InitialDelay = d
		}
		if override.Retry.MaxDelay != "" {
			d, err := durationx.Parse(override.Retry.MaxDelay)
			if err != nil {
				return desc, fmt.Errorf("descriptoroverlay: procedure %q: %w", name, err)
			}
			p.MaxDelay = d
		}
		desc.RetryPolicy = p.Normalize()
	}
	return desc, nil
}

// ApplyAll overlays every descriptor in descs, returning the merged set
// in the same order. Callers register the result with a fresh Registry
// at process init — before anything else has registered under the same
// names, so there is no re-registration conflict to resolve.
func ApplyAll(ov *Overlay, descs []registry.Descriptor) ([]registry.Descriptor, error) {
	merged := make([]registry.Descriptor, len(descs))
	for i, d := range descs {
		m, err := ov.Apply(d.Name, d)
		if err != nil {
			return nil, err
		}
		merged[i] = m
	}
	return merged, nil
}
