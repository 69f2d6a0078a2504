package session

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/inercia/agentdeck/internal/agent"
)

// Options is the effective agent configuration of a session.
type Options struct {
	Cwd            string   `json:"cwd,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	AllowedTools   []string `json:"allowedTools,omitempty"`
	Model          string   `json:"model,omitempty"`
	Thinking       string   `json:"thinking,omitempty"`
}

// agentOptions returns the options for one agent query.
func (o Options) agentOptions(resume string) agent.Options {
	return agent.Options{
		Cwd:            o.Cwd,
		PermissionMode: o.PermissionMode,
		AllowedTools:   slices.Clone(o.AllowedTools),
		Model:          o.Model,
		Thinking:       o.Thinking,
		Resume:         resume,
	}
}

// DefaultsFunc derives the base options for a working directory. cwd is
// empty when no directory has been set explicitly.
type DefaultsFunc func(cwd string) Options

// StaticDefaults returns a DefaultsFunc yielding base, with Cwd replaced by
// the explicit directory when there is one.
func StaticDefaults(base Options) DefaultsFunc {
	return func(cwd string) Options {
		o := base
		o.AllowedTools = slices.Clone(base.AllowedTools)
		if cwd != "" {
			o.Cwd = cwd
		}
		return o
	}
}

// Update is a tri-state field of a Patch: absent (Present is false),
// cleared (Present with a nil Value) or set.
//
// In JSON an absent key leaves the field absent; null, "" and [] clear it.
type Update[T any] struct {
	Present bool
	Value   *T
}

// Set returns an Update setting v.
func Set[T any](v T) Update[T] {
	return Update[T]{Present: true, Value: &v}
}

// Clear returns an Update clearing the field.
func Clear[T any]() Update[T] {
	return Update[T]{Present: true}
}

func (u *Update[T]) UnmarshalJSON(data []byte) error {
	u.Present = true
	u.Value = nil
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) || bytes.Equal(trimmed, []byte("[]")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	u.Value = &v
	return nil
}

// resolve returns the updated value, or base when the field is absent.
func (u Update[T]) resolve(base T) T {
	if !u.Present {
		return base
	}
	if u.Value == nil {
		var zero T
		return zero
	}
	return *u.Value
}

// Patch is a partial option set as sent by setSDKOptions.
type Patch struct {
	Cwd            Update[string]   `json:"cwd"`
	PermissionMode Update[string]   `json:"permissionMode"`
	AllowedTools   Update[[]string] `json:"allowedTools"`
	Model          Update[string]   `json:"model"`
	Thinking       Update[string]   `json:"thinking"`
}

// Merge returns p with every field present in next replaced.
func (p Patch) Merge(next Patch) Patch {
	if next.Cwd.Present {
		p.Cwd = next.Cwd
	}
	if next.PermissionMode.Present {
		p.PermissionMode = next.PermissionMode
	}
	if next.AllowedTools.Present {
		p.AllowedTools = next.AllowedTools
	}
	if next.Model.Present {
		p.Model = next.Model
	}
	if next.Thinking.Present {
		p.Thinking = next.Thinking
	}
	return p
}

// Effective applies the accumulated overrides in p to the defaults derived
// from p's working directory. A cleared field stays empty; it never falls
// back to the default.
func (p Patch) Effective(defaults DefaultsFunc) Options {
	var base Options
	if defaults != nil {
		base = defaults(p.Cwd.resolve(""))
	}
	return Options{
		Cwd:            p.Cwd.resolve(base.Cwd),
		PermissionMode: p.PermissionMode.resolve(base.PermissionMode),
		AllowedTools:   slices.Clone(p.AllowedTools.resolve(base.AllowedTools)),
		Model:          p.Model.resolve(base.Model),
		Thinking:       p.Thinking.resolve(base.Thinking),
	}
}
