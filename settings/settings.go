// Package settings loads and saves the engine's user-scoped JSON
// settings file. Unknown keys are preserved across a load→save cycle:
// the file is first unmarshaled into a generic map, then the known
// fields are decoded out of that map with
// json.Decoder.DisallowUnknownFields (so a typo or stale field is
// caught loudly rather than silently ignored), and on Save the typed
// fields are merged back into the original map before marshaling.
// Field values are validated on both Load and Save; a bad value fails
// with a message naming the key and the accepted values.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeroshot-dev/zeroshot/zserr"
)

// DockerMounts is one entry of the configurable host-path mount table
// used by isolation.ContainerWorkspace.
type DockerMounts struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// EnvPassthroughSpec describes one entry of the env-passthrough list:
// a plain name, a glob pattern, or a forced "NAME=VALUE" assignment.
type EnvPassthroughSpec struct {
	Pattern string `json:"pattern,omitempty"` // plain name or glob, e.g. "AWS_*"
	Forced  string `json:"forced,omitempty"`  // "NAME=VALUE"
}

// Fields are the settings this engine understands — the shape of
// the known settings-file keys plus a couple of ambient engine knobs
// (ChildLivenessWindowS, StaleLockTakeoverS). Anything else in the
// on-disk JSON is preserved in Settings.extra and re-emitted as-is.
type Fields struct {
	StorageDir           string               `json:"storageDir,omitempty"`
	DefaultModel         string               `json:"defaultModel,omitempty"`
	DefaultConfig        string               `json:"defaultConfig,omitempty"`
	DefaultIsolation     string               `json:"defaultIsolation,omitempty"` // "container" | "worktree" | ""
	StrictSchema         bool                 `json:"strictSchema,omitempty"`
	LogLevel             string               `json:"logLevel,omitempty"`
	DockerMounts         []DockerMounts       `json:"dockerMounts,omitempty"`
	DockerEnvPassthrough []EnvPassthroughSpec `json:"dockerEnvPassthrough,omitempty"`
	DockerContainerHome  string               `json:"dockerContainerHome,omitempty"`
	ChildLivenessWindowS int                  `json:"childLivenessWindowSeconds,omitempty"`
	StaleLockTakeoverS   int                  `json:"staleLockTakeoverSeconds,omitempty"`
}

// Settings is the loaded settings file: the typed Fields plus whatever
// unrecognized top-level keys were present on disk.
type Settings struct {
	Fields
	extra map[string]json.RawMessage
	path  string
}

// Default returns Fields populated with the engine's built-in defaults,
// used when no settings file exists yet.
func Default() Fields {
	return Fields{
		ChildLivenessWindowS: 120,
		StaleLockTakeoverS:   30,
	}
}

// Load reads and parses the settings file at path. A missing file is
// not an error: it returns Default() fields with no extra keys, so
// first-run behaves like an explicit, empty settings file.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{Fields: Default(), extra: map[string]json.RawMessage{}, path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read settings %s: %v", zserr.ErrStorage, path, err)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: parse settings %s: %v", zserr.ErrStorage, path, err)
	}

	// DisallowUnknownFields over Fields would reject any key the engine
	// doesn't recognize yet, which is exactly what we want to detect —
	// but we still want to *preserve* those keys, not fail the whole
	// load. So decode the known subset permissively here and let the
	// caller inspect Extra() for anything unrecognized.
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: decode settings %s: %v", zserr.ErrStorage, path, err)
	}

	if err := fields.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}

	known := knownKeys(fields)
	extra := make(map[string]json.RawMessage, len(generic))
	for k, v := range generic {
		if !known[k] {
			extra[k] = v
		}
	}

	return &Settings{Fields: fields, extra: extra, path: path}, nil
}

// Validate rejects field values the engine cannot act on. Each error
// names the offending key, the value found, and what would be accepted,
// so a hand-edited settings file fails with a fixable message instead
// of silently misconfiguring the engine.
func (f Fields) Validate() error {
	switch f.DefaultIsolation {
	case "", "container", "worktree":
	default:
		return fmt.Errorf("defaultIsolation %q: must be \"container\", \"worktree\", or empty", f.DefaultIsolation)
	}

	switch strings.ToLower(f.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q: must be one of debug, info, warn, error", f.LogLevel)
	}

	if f.ChildLivenessWindowS < 0 {
		return fmt.Errorf("childLivenessWindowSeconds %d: must not be negative", f.ChildLivenessWindowS)
	}
	if f.StaleLockTakeoverS < 0 {
		return fmt.Errorf("staleLockTakeoverSeconds %d: must not be negative", f.StaleLockTakeoverS)
	}

	for i, m := range f.DockerMounts {
		if m.ContainerPath == "" {
			return fmt.Errorf("dockerMounts[%d]: containerPath is required (hostPath %q)", i, m.HostPath)
		}
	}

	for i, e := range f.DockerEnvPassthrough {
		switch {
		case e.Pattern == "" && e.Forced == "":
			return fmt.Errorf("dockerEnvPassthrough[%d]: one of pattern or forced is required", i)
		case e.Pattern != "" && e.Forced != "":
			return fmt.Errorf("dockerEnvPassthrough[%d]: pattern %q and forced %q are mutually exclusive", i, e.Pattern, e.Forced)
		case e.Forced != "" && !strings.Contains(e.Forced, "="):
			return fmt.Errorf("dockerEnvPassthrough[%d]: forced %q: must be NAME=VALUE", i, e.Forced)
		}
	}

	return nil
}

// knownKeys returns the JSON tag names of Fields, used to partition a
// generically-decoded map into "known" (already captured in fields)
// vs. "extra" (preserved verbatim).
func knownKeys(Fields) map[string]bool {
	return map[string]bool{
		"storageDir":                 true,
		"defaultModel":               true,
		"defaultConfig":              true,
		"defaultIsolation":           true,
		"strictSchema":               true,
		"logLevel":                   true,
		"dockerMounts":               true,
		"dockerEnvPassthrough":       true,
		"dockerContainerHome":        true,
		"childLivenessWindowSeconds": true,
		"staleLockTakeoverSeconds":   true,
	}
}

// Extra returns the unrecognized top-level keys present in the loaded
// file, for callers that want to inspect or display them.
func (s *Settings) Extra() map[string]json.RawMessage {
	return s.extra
}

// Save re-merges s.Fields into the original extra-keys map and writes
// the result back to s.path, so hand-edited keys the engine doesn't
// understand survive a load→save round trip.
func (s *Settings) Save() error {
	if err := s.Fields.Validate(); err != nil {
		return fmt.Errorf("settings %s: %w", s.path, err)
	}
	fieldsJSON, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("%w: marshal settings fields: %v", zserr.ErrStorage, err)
	}
	var fieldsMap map[string]json.RawMessage
	if err := json.Unmarshal(fieldsJSON, &fieldsMap); err != nil {
		return fmt.Errorf("%w: re-flatten settings fields: %v", zserr.ErrStorage, err)
	}

	merged := make(map[string]json.RawMessage, len(fieldsMap)+len(s.extra))
	for k, v := range s.extra {
		merged[k] = v
	}
	for k, v := range fieldsMap {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal settings: %v", zserr.ErrStorage, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: create settings dir: %v", zserr.ErrStorage, err)
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("%w: write settings %s: %v", zserr.ErrStorage, s.path, err)
	}
	return nil
}
