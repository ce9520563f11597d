package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEdgeKeyRoundTrip(t *testing.T) {
	tests := []EdgeKey{
		{Source: "src/main.ts", Target: "src/main.ts::function::run", Type: EdgeContains},
		{Source: "a->b", Target: "c", Type: EdgeCalls},
		{Source: "a", Target: "b#c", Type: EdgeUsedBy},
	}

	for _, key := range tests {
		t.Run(key.String(), func(t *testing.T) {
			parsed, err := ParseEdgeKey(key.String())
			if err != nil {
				t.Fatalf("ParseEdgeKey failed: %v", err)
			}
			if parsed != key {
				t.Errorf("Expected %+v, got %+v", key, parsed)
			}
		})
	}
}

func TestParseEdgeKeyRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "a-b#calls", "a->b"} {
		if _, err := ParseEdgeKey(s); err == nil {
			t.Errorf("Expected error for %q", s)
		}
	}
}

func TestNodeValidate(t *testing.T) {
	n := &Node{ID: "a", Type: NodeFile, Confidence: 1.7}
	if err := n.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %v", n.Confidence)
	}

	missing := &Node{Type: NodeFile}
	if err := missing.Validate(); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("Expected ErrInvalidEntity, got %v", err)
	}

	nan := &Node{ID: "a", Type: NodeFile, Confidence: math.NaN()}
	if err := nan.Validate(); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("Expected ErrInvalidEntity for NaN, got %v", err)
	}
}

func TestAttributesJSONKeepsKinds(t *testing.T) {
	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	attrs := Attributes{
		"language":      String("go"),
		"lines":         Number(42),
		"exported":      Bool(true),
		"seen":          Time(stamp),
		"looksLikeTime": String("2025-03-01T12:00:00Z"),
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Attributes
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if !attrs.Equal(decoded) {
		t.Errorf("Expected %v, got %v", attrs, decoded)
	}
	if decoded["looksLikeTime"].Kind() != KindString {
		t.Errorf("Expected plain string to stay a string, got %s", decoded["looksLikeTime"].Kind())
	}
}

func TestNodeCloneIsDeep(t *testing.T) {
	n := &Node{ID: "a", Type: NodeFile, Properties: Attributes{"language": String("go")}}
	c := n.Clone()
	c.Properties["language"] = String("rust")

	if s, _ := n.Properties["language"].Str(); s != "go" {
		t.Errorf("Clone shares properties with original")
	}
}

func TestIsLazySummary(t *testing.T) {
	flagged := &Node{ID: "s", Type: NodeVariable, Metadata: Attributes{MetaLazySummary: Bool(true)}}
	if !flagged.IsLazySummary() {
		t.Error("Expected metadata flag to mark a summary")
	}
	if (&Node{ID: "v", Type: NodeVariable}).IsLazySummary() {
		t.Error("Plain variable reported as summary")
	}
}
