package config

import (
	"testing"
)

func TestFlatten_Simple(t *testing.T) {
	m := map[string]any{
		"a": "hello",
		"b": 42.0,
	}
	got := Flatten(m)
	if got["a"] != "hello" {
		t.Errorf("expected a=hello, got %v", got["a"])
	}
	if got["b"] != 42.0 {
		t.Errorf("expected b=42, got %v", got["b"])
	}
	if len(got) != 2 {
		t.Errorf("expected 2 keys, got %d", len(got))
	}
}

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"voice": map[string]any{
			"service_url": "wss://example.test/ws",
			"api_key":     "cc_test123",
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["voice.service_url"] != "wss://example.test/ws" {
		t.Errorf("expected voice.service_url, got %v", got["voice.service_url"])
	}
	if got["voice.api_key"] != "cc_test123" {
		t.Errorf("expected voice.api_key=cc_test123, got %v", got["voice.api_key"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"voice": map[string]any{
			"reconnect": map[string]any{
				"max_attempts": 3.0,
			},
		},
	}
	got := Flatten(m)
	if got["voice.reconnect.max_attempts"] != 3.0 {
		t.Errorf("expected voice.reconnect.max_attempts=3, got %v", got["voice.reconnect.max_attempts"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_ArrayIsLeaf(t *testing.T) {
	m := map[string]any{
		"voice": map[string]any{
			"fillers": map[string]any{
				"phrases": []any{"one", "two"},
			},
		},
	}
	got := Flatten(m)
	phrases, ok := got["voice.fillers.phrases"].([]any)
	if !ok {
		t.Fatalf("expected array leaf, got %T", got["voice.fillers.phrases"])
	}
	if len(phrases) != 2 {
		t.Errorf("expected 2 phrases, got %d", len(phrases))
	}
}

func TestUnflatten_RoundTrip(t *testing.T) {
	flat := map[string]any{
		"log_level":                    "debug",
		"voice.api_key":                "cc_x",
		"voice.reconnect.max_attempts": 5.0,
	}
	nested := Unflatten(flat)
	voice, ok := nested["voice"].(map[string]any)
	if !ok {
		t.Fatalf("expected voice map, got %T", nested["voice"])
	}
	reconnect, ok := voice["reconnect"].(map[string]any)
	if !ok {
		t.Fatalf("expected reconnect map, got %T", voice["reconnect"])
	}
	if reconnect["max_attempts"] != 5.0 {
		t.Errorf("expected max_attempts=5, got %v", reconnect["max_attempts"])
	}

	back := Flatten(nested)
	for k, v := range flat {
		if back[k] != v {
			t.Errorf("round trip mismatch for %s: %v != %v", k, back[k], v)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("voice.api_key") {
		t.Error("expected voice.api_key to be secret")
	}
	if !IsSecretKey("telegram.token") {
		t.Error("expected telegram.token to be secret")
	}
	if IsSecretKey("log_level") {
		t.Error("expected log_level to not be secret")
	}
}

func TestMaskSecrets_ShortValue(t *testing.T) {
	flat := map[string]any{"voice.api_key": "cc_1"}
	masked := MaskSecrets(flat)
	if masked["voice.api_key"] != "***cc_1" {
		t.Errorf("expected ***cc_1, got %v", masked["voice.api_key"])
	}
}
