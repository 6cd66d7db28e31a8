package bridge

import (
	"slices"
	"testing"
)

func TestEngineParams_Encode(t *testing.T) {
	t.Parallel()
	core := 1
	p := EngineParams{
		TestEnv:         true,
		LogToConsole:    true,
		PinnedToCore:    &core,
		ThreadPriority:  6,
		StackInExt:      true,
		License:         true,
		LicenseRootPath: "/mem",
		Extra:           []string{`{"audio":{"aec":1}}`},
	}

	got, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []string{
		`{"env":2}`,
		`{"debug":{"log_to_console":1}}`,
		`{"rtc":{"thread":{"pinned_to_core":1}}}`,
		`{"rtc":{"thread":{"priority":6}}}`,
		`{"rtc":{"thread":{"stack_in_ext":1}}}`,
		`{"rtc":{"license":{"enable":1}}}`,
		`{"rtc":{"root_path":"/mem"}}`,
		`{"audio":{"aec":1}}`,
	}
	if !slices.Equal(got, want) {
		t.Errorf("Encode =\n%v\nwant\n%v", got, want)
	}
}

func TestEngineParams_EncodeEmpty(t *testing.T) {
	t.Parallel()
	got, err := EngineParams{}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Encode = %v, want none", got)
	}
}

func TestEngineParams_EncodeRejectsInvalidExtra(t *testing.T) {
	t.Parallel()
	_, err := EngineParams{Extra: []string{`not json`}}.Encode()
	if err == nil {
		t.Fatal("Encode accepted invalid JSON")
	}
}
