package bridge

import (
	"encoding/json"
	"fmt"
)

// EngineParams are the engine tuning knobs applied through
// [rtc.Engine.SetParams] before Init. Each set field becomes one JSON object.
type EngineParams struct {
	// TestEnv selects the engine vendor's test environment.
	TestEnv bool

	// LogToConsole mirrors engine logs to the console.
	LogToConsole bool

	// PinnedToCore pins the engine's worker thread to a CPU core.
	PinnedToCore *int

	// ThreadPriority sets the engine's worker thread priority. Zero keeps
	// the engine default.
	ThreadPriority int

	// StackInExt places worker stacks in external memory.
	StackInExt bool

	// License enables license verification, rooted at LicenseRootPath.
	License         bool
	LicenseRootPath string

	// Extra holds additional raw JSON objects applied last, in order.
	Extra []string
}

// Encode returns the JSON parameter objects in application order.
func (p EngineParams) Encode() ([]string, error) {
	var objs []any
	if p.TestEnv {
		objs = append(objs, map[string]any{"env": 2})
	}
	if p.LogToConsole {
		objs = append(objs, map[string]any{"debug": map[string]any{"log_to_console": 1}})
	}
	if p.PinnedToCore != nil {
		objs = append(objs, rtcThread("pinned_to_core", *p.PinnedToCore))
	}
	if p.ThreadPriority != 0 {
		objs = append(objs, rtcThread("priority", p.ThreadPriority))
	}
	if p.StackInExt {
		objs = append(objs, rtcThread("stack_in_ext", 1))
	}
	if p.License {
		objs = append(objs, map[string]any{"rtc": map[string]any{"license": map[string]any{"enable": 1}}})
		if p.LicenseRootPath != "" {
			objs = append(objs, map[string]any{"rtc": map[string]any{"root_path": p.LicenseRootPath}})
		}
	}

	out := make([]string, 0, len(objs)+len(p.Extra))
	for _, o := range objs {
		b, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode engine params: %w", err)
		}
		out = append(out, string(b))
	}
	for i, raw := range p.Extra {
		var probe map[string]any
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			return nil, fmt.Errorf("bridge: engine param %d is not a JSON object: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func rtcThread(key string, v int) map[string]any {
	return map[string]any{"rtc": map[string]any{"thread": map[string]any{key: v}}}
}
