package acp

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/smallnest/acpgate/acp/runtime"
)

// Per-field limits for session runtime options. Oversized or malformed
// values are rejected before anything reaches the backend.
const (
	maxRuntimeModeLen       = 64
	maxModelLen             = 200
	maxPermissionProfileLen = 80
	maxCwdLen               = 4096
	maxExtraKeyLen          = 64
	maxExtraValueLen        = 512
	maxExtraEntries         = 32
	minTimeoutSeconds       = 1
	maxTimeoutSeconds       = 86400
)

var extraKeyPattern = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9._:-]*$`)

// SessionRuntimeOptions are the per-session options a caller may tune.
// Zero values mean "not set"; the backend keeps its own default.
type SessionRuntimeOptions struct {
	RuntimeMode       string            `json:"runtime_mode,omitempty"`
	Model             string            `json:"model,omitempty"`
	PermissionProfile string            `json:"permission_profile,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	Extras            map[string]string `json:"extras,omitempty"`
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func validateOptionString(field, value string, maxLen int) error {
	if containsControlChars(value) {
		return runtime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("%s must not contain control characters", field))
	}
	if len(value) > maxLen {
		return runtime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("%s exceeds maximum length of %d", field, maxLen))
	}
	return nil
}

func validateTimeoutSeconds(value int) error {
	if value < minTimeoutSeconds || value > maxTimeoutSeconds {
		return runtime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("timeout_seconds must be between %d and %d, got %d",
				minTimeoutSeconds, maxTimeoutSeconds, value))
	}
	return nil
}

func validateExtras(extras map[string]string) error {
	if len(extras) > maxExtraEntries {
		return runtime.NewInvalidRuntimeOptionError(
			fmt.Sprintf("extras must not exceed %d entries", maxExtraEntries))
	}
	for key, value := range extras {
		if len(key) > maxExtraKeyLen || !extraKeyPattern.MatchString(key) {
			return runtime.NewInvalidRuntimeOptionError(
				fmt.Sprintf("invalid extras key: %q", key))
		}
		if err := validateOptionString("extras."+key, value, maxExtraValueLen); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRuntimeOptions checks a full option set against the field rules.
func ValidateRuntimeOptions(opts SessionRuntimeOptions) error {
	if opts.RuntimeMode != "" {
		if err := validateOptionString("runtime_mode", opts.RuntimeMode, maxRuntimeModeLen); err != nil {
			return err
		}
	}
	if opts.Model != "" {
		if err := validateOptionString("model", opts.Model, maxModelLen); err != nil {
			return err
		}
	}
	if opts.PermissionProfile != "" {
		if err := validateOptionString("permission_profile", opts.PermissionProfile, maxPermissionProfileLen); err != nil {
			return err
		}
	}
	if opts.Cwd != "" {
		if err := validateOptionString("cwd", opts.Cwd, maxCwdLen); err != nil {
			return err
		}
		if !filepath.IsAbs(opts.Cwd) {
			return runtime.NewInvalidRuntimeOptionError(
				fmt.Sprintf("cwd must be an absolute path, got %q", opts.Cwd))
		}
	}
	if opts.TimeoutSeconds != 0 {
		if err := validateTimeoutSeconds(opts.TimeoutSeconds); err != nil {
			return err
		}
	}
	return validateExtras(opts.Extras)
}

// runtimeOptionPatchKeys is the allow-list of patch keys. Anything else is
// rejected up front rather than silently ignored.
var runtimeOptionPatchKeys = map[string]bool{
	"runtime_mode":       true,
	"model":              true,
	"permission_profile": true,
	"cwd":                true,
	"timeout_seconds":    true,
	"extras":             true,
}

// ApplyRuntimeOptionPatch merges a patch onto current options. A key that is
// present with a nil value clears the field; a key that is absent leaves the
// field untouched. The merged result is validated before being returned, so
// a bad patch never corrupts stored options.
func ApplyRuntimeOptionPatch(current SessionRuntimeOptions, patch map[string]any) (SessionRuntimeOptions, error) {
	merged := current
	if current.Extras != nil {
		merged.Extras = make(map[string]string, len(current.Extras))
		for k, v := range current.Extras {
			merged.Extras[k] = v
		}
	}

	for key, raw := range patch {
		if !runtimeOptionPatchKeys[key] {
			return current, runtime.NewInvalidRuntimeOptionError(
				fmt.Sprintf("unknown runtime option: %q", key))
		}

		if raw == nil {
			switch key {
			case "runtime_mode":
				merged.RuntimeMode = ""
			case "model":
				merged.Model = ""
			case "permission_profile":
				merged.PermissionProfile = ""
			case "cwd":
				merged.Cwd = ""
			case "timeout_seconds":
				merged.TimeoutSeconds = 0
			case "extras":
				merged.Extras = nil
			}
			continue
		}

		switch key {
		case "runtime_mode", "model", "permission_profile", "cwd":
			value, ok := raw.(string)
			if !ok {
				return current, runtime.NewInvalidRuntimeOptionError(
					fmt.Sprintf("%s must be a string", key))
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return current, runtime.NewInvalidRuntimeOptionError(
					fmt.Sprintf("%s must not be blank; pass null to clear it", key))
			}
			switch key {
			case "runtime_mode":
				merged.RuntimeMode = value
			case "model":
				merged.Model = value
			case "permission_profile":
				merged.PermissionProfile = value
			case "cwd":
				merged.Cwd = value
			}
		case "timeout_seconds":
			value, err := coerceTimeoutSeconds(raw)
			if err != nil {
				return current, err
			}
			merged.TimeoutSeconds = value
		case "extras":
			extras, err := coerceExtras(raw)
			if err != nil {
				return current, err
			}
			merged.Extras = extras
		}
	}

	if err := ValidateRuntimeOptions(merged); err != nil {
		return current, err
	}
	return merged, nil
}

func coerceTimeoutSeconds(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, runtime.NewInvalidRuntimeOptionError("timeout_seconds must be an integer")
		}
		return int(v), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, runtime.NewInvalidRuntimeOptionError(
				fmt.Sprintf("timeout_seconds must be an integer, got %q", v))
		}
		return parsed, nil
	default:
		return 0, runtime.NewInvalidRuntimeOptionError("timeout_seconds must be an integer")
	}
}

func coerceExtras(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, runtime.NewInvalidRuntimeOptionError(
					fmt.Sprintf("extras.%s must be a string", k))
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, runtime.NewInvalidRuntimeOptionError("extras must be a string map")
	}
}

// ControlPair is one key/value to push to the backend via set_config_option.
type ControlPair struct {
	Key   string
	Value string
}

// ToControlPairs projects options onto backend control pairs in a
// deterministic order: model, approval_policy (from the permission profile),
// timeout in seconds, then extras sorted by key. An extras entry whose key
// collides with one of the fixed fields is skipped. Cwd is excluded because
// the working directory is fixed at session spawn; the runtime mode travels
// through set_mode rather than a config pair.
func ToControlPairs(opts SessionRuntimeOptions) []ControlPair {
	var pairs []ControlPair
	emitted := make(map[string]bool, 3)
	if opts.Model != "" {
		pairs = append(pairs, ControlPair{Key: "model", Value: opts.Model})
		emitted["model"] = true
	}
	if opts.PermissionProfile != "" {
		pairs = append(pairs, ControlPair{Key: "approval_policy", Value: opts.PermissionProfile})
		emitted["approval_policy"] = true
	}
	if opts.TimeoutSeconds > 0 {
		pairs = append(pairs, ControlPair{Key: "timeout", Value: strconv.Itoa(opts.TimeoutSeconds)})
		emitted["timeout"] = true
	}

	extraKeys := make([]string, 0, len(opts.Extras))
	for key := range opts.Extras {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		if emitted[key] {
			continue
		}
		pairs = append(pairs, ControlPair{Key: key, Value: opts.Extras[key]})
	}

	return pairs
}

// RuntimeOptionsSignature produces a stable fingerprint of everything that
// gets pushed to the backend, used to skip re-applying options the backend
// already has. The runtime mode is part of the fingerprint even though it is
// not a control pair, because it is pushed alongside them.
func RuntimeOptionsSignature(opts SessionRuntimeOptions) string {
	pairs := ToControlPairs(opts)
	if opts.RuntimeMode == "" && len(pairs) == 0 {
		return ""
	}
	var b strings.Builder
	if opts.RuntimeMode != "" {
		b.WriteString("runtime_mode=")
		b.WriteString(opts.RuntimeMode)
		b.WriteByte('\n')
	}
	for _, pair := range pairs {
		b.WriteString(pair.Key)
		b.WriteByte('=')
		b.WriteString(pair.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// RuntimeOptionsToMap renders options as a plain map for status responses.
func RuntimeOptionsToMap(opts SessionRuntimeOptions) map[string]any {
	out := make(map[string]any)
	if opts.RuntimeMode != "" {
		out["runtime_mode"] = opts.RuntimeMode
	}
	if opts.Model != "" {
		out["model"] = opts.Model
	}
	if opts.PermissionProfile != "" {
		out["permission_profile"] = opts.PermissionProfile
	}
	if opts.Cwd != "" {
		out["cwd"] = opts.Cwd
	}
	if opts.TimeoutSeconds > 0 {
		out["timeout_seconds"] = opts.TimeoutSeconds
	}
	if len(opts.Extras) > 0 {
		extras := make(map[string]any, len(opts.Extras))
		for k, v := range opts.Extras {
			extras[k] = v
		}
		out["extras"] = extras
	}
	return out
}

// InferRuntimeOptionPatchFromConfigOption maps a raw key/value from the
// set_config_option surface onto a patch, resolving common aliases. Unknown
// keys become extras entries.
func InferRuntimeOptionPatchFromConfigOption(key, value string) map[string]any {
	normalized := strings.ToLower(strings.TrimSpace(key))
	switch normalized {
	case "mode", "runtime_mode", "runtime-mode":
		return map[string]any{"runtime_mode": value}
	case "model":
		return map[string]any{"model": value}
	case "approval_policy", "approval-policy", "permission_profile", "permission-profile", "permissions":
		return map[string]any{"permission_profile": value}
	case "cwd", "working_directory", "working-dir":
		return map[string]any{"cwd": value}
	case "timeout", "timeout_seconds", "timeout-seconds":
		return map[string]any{"timeout_seconds": value}
	default:
		return map[string]any{"extras": map[string]string{normalized: value}}
	}
}

// ValidateRuntimeModeInput normalizes and validates a bare mode string.
func ValidateRuntimeModeInput(mode string) (string, error) {
	trimmed := strings.TrimSpace(mode)
	if trimmed == "" {
		return "", runtime.NewInvalidRuntimeOptionError("runtime mode must not be empty")
	}
	if err := validateOptionString("runtime_mode", trimmed, maxRuntimeModeLen); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateRuntimeConfigOptionInput normalizes and validates a raw key/value.
func ValidateRuntimeConfigOptionInput(key, value string) (string, string, error) {
	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return "", "", runtime.NewInvalidRuntimeOptionError("config option key must not be empty")
	}
	if containsControlChars(normalizedKey) || containsControlChars(value) {
		return "", "", runtime.NewInvalidRuntimeOptionError("config option must not contain control characters")
	}
	return normalizedKey, strings.TrimSpace(value), nil
}
