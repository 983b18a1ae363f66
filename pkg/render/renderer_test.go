package render

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// stubVersion satisfies the renderer's source version interface.
type stubVersion struct{ v int64 }

func (s *stubVersion) Version() int64 { return s.v }

func newTestRenderer(t *testing.T, baseDir string) (*Renderer, *stubVersion) {
	t.Helper()

	source := &stubVersion{v: 1}
	r := NewRenderer(Config{BaseDir: baseDir, CacheSize: 8}, source, nil, nil)
	return r, source
}

func testContext() Context {
	return Context{
		RequestID:     "req-1",
		Count:         5,
		MinCount:      1,
		MaxCount:      10,
		OnDemandCount: 2,
		SpotCount:     3,
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Tags:          map[string]string{"team": "hpc"},
	}
}

func TestRenderLegacyFromFields(t *testing.T) {
	r, _ := newTestRenderer(t, "")
	tpl := &templates.Template{
		TemplateID:   "t1",
		MaxNumber:    10,
		ProviderAPI:  templates.APIInstantFleet,
		ImageID:      "img-123",
		InstanceType: "m5.large",
		SubnetIDs:    []string{"subnet-a"},
		Tags:         map[string]string{"origin": "template"},
	}

	payload, err := r.Render(context.Background(), tpl, testContext())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	var spec map[string]interface{}
	if err := json.Unmarshal(payload.Spec, &spec); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if spec["imageId"] != "img-123" {
		t.Errorf("expected imageId img-123, got %v", spec["imageId"])
	}
	if spec["targetCapacity"] != float64(5) {
		t.Errorf("expected targetCapacity 5, got %v", spec["targetCapacity"])
	}
	if spec["onDemandTargetCapacity"] != float64(2) {
		t.Errorf("expected onDemandTargetCapacity 2, got %v", spec["onDemandTargetCapacity"])
	}
	if payload.Tags["origin"] != "template" || payload.Tags["team"] != "hpc" {
		t.Errorf("expected merged tags, got %v", payload.Tags)
	}
}

func TestRenderInlineSpec(t *testing.T) {
	r, _ := newTestRenderer(t, "")
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec: templates.NativeSpec{
			Inline: json.RawMessage(`{
				"name": "fleet-${request_id}",
				"capacity": "${count}",
				"doubled": "${count * 2}",
				"userData": "${b64encode("#!/bin/sh")}",
				"subnets": "${join(subnet_ids, ",")}",
				"zone": "${default(missing_zone, "eu-west-1a")}"
			}`),
		},
	}

	rctx := testContext()
	rctx.Variables = map[string]interface{}{
		"subnet_ids":   []interface{}{"subnet-a", "subnet-b"},
		"missing_zone": nil,
	}

	payload, err := r.Render(context.Background(), tpl, rctx)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	var spec struct {
		Name     string `json:"name"`
		Capacity int    `json:"capacity"`
		Doubled  int    `json:"doubled"`
		UserData string `json:"userData"`
		Subnets  string `json:"subnets"`
		Zone     string `json:"zone"`
	}
	if err := json.Unmarshal(payload.Spec, &spec); err != nil {
		t.Fatalf("spec is not valid JSON: %v\n%s", err, payload.Spec)
	}
	if spec.Name != "fleet-req-1" {
		t.Errorf("expected name fleet-req-1, got %s", spec.Name)
	}
	if spec.Capacity != 5 {
		t.Errorf("expected typed capacity 5, got %d", spec.Capacity)
	}
	if spec.Doubled != 10 {
		t.Errorf("expected doubled 10, got %d", spec.Doubled)
	}
	if spec.UserData != "IyEvYmluL3No" {
		t.Errorf("unexpected userData: %s", spec.UserData)
	}
	if spec.Subnets != "subnet-a,subnet-b" {
		t.Errorf("unexpected subnets: %s", spec.Subnets)
	}
	if spec.Zone != "eu-west-1a" {
		t.Errorf("expected default zone, got %s", spec.Zone)
	}
}

func TestRenderDeterministic(t *testing.T) {
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec: templates.NativeSpec{
			Inline: json.RawMessage(`{"capacity": "${count}", "ts": "${timestamp}", "n": "${round(count * 0.5)}"}`),
		},
	}
	rctx := testContext()

	// Fresh renderers so the second result cannot come from the cache.
	ra, _ := newTestRenderer(t, "")
	rb, _ := newTestRenderer(t, "")
	pa, err := ra.Render(context.Background(), tpl, rctx)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := rb.Render(context.Background(), tpl, rctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(pa.Spec) != string(pb.Spec) {
		t.Errorf("renders differ:\n%s\n%s", pa.Spec, pb.Spec)
	}
}

func TestRenderUndefinedVariable(t *testing.T) {
	r, _ := newTestRenderer(t, "")
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec: templates.NativeSpec{
			Inline: json.RawMessage(`{"zone": "${availability_zone}"}`),
		},
	}

	_, err := r.Render(context.Background(), tpl, testContext())
	var undef *UndefinedVariableError
	if !errors.As(err, &undef) {
		t.Fatalf("expected UndefinedVariableError, got %v", err)
	}
	if undef.Variable != "availability_zone" {
		t.Errorf("expected variable availability_zone, got %s", undef.Variable)
	}
}

func TestRenderRejectsBothSpecForms(t *testing.T) {
	r, _ := newTestRenderer(t, "")
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec: templates.NativeSpec{
			Inline: json.RawMessage(`{}`),
			File:   "spec.json",
		},
	}

	_, err := r.Render(context.Background(), tpl, testContext())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRenderFileSpec(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "fleet.json")
	if err := os.WriteFile(specPath, []byte(`{"capacity": "${count}"}`), 0644); err != nil {
		t.Fatal(err)
	}

	r, _ := newTestRenderer(t, dir)
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec:     templates.NativeSpec{File: "fleet.json"},
	}

	payload, err := r.Render(context.Background(), tpl, testContext())
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if string(payload.Spec) != `{"capacity":5}` {
		t.Errorf("unexpected spec: %s", payload.Spec)
	}
}

func TestRenderRejectsPathTraversal(t *testing.T) {
	r, _ := newTestRenderer(t, t.TempDir())
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
		APISpec:     templates.NativeSpec{File: "../../etc/passwd"},
	}

	_, err := r.Render(context.Background(), tpl, testContext())
	var perr *PathError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PathError, got %v", err)
	}
}

func TestCacheKeyedBySourceVersion(t *testing.T) {
	r, source := newTestRenderer(t, "")
	tpl := &templates.Template{
		TemplateID:  "t1",
		MaxNumber:   10,
		ProviderAPI: templates.APIInstantFleet,
	}
	rctx := testContext()
	ctx := context.Background()

	if _, err := r.Render(ctx, tpl, rctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render(ctx, tpl, rctx); err != nil {
		t.Fatal(err)
	}
	if r.cache.len() != 1 {
		t.Errorf("expected 1 cache entry after repeated render, got %d", r.cache.len())
	}

	// A source reload produces a fresh entry under the new version.
	source.v++
	if _, err := r.Render(ctx, tpl, rctx); err != nil {
		t.Fatal(err)
	}
	if r.cache.len() != 2 {
		t.Errorf("expected 2 cache entries after version bump, got %d", r.cache.len())
	}
}

func TestCacheEviction(t *testing.T) {
	cache := newSpecCache(2)
	for _, key := range []string{"a", "b", "c"} {
		cache.put(key, providers.Payload{TemplateID: key})
	}
	if cache.len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.len())
	}
	if _, ok := cache.get("a"); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if _, ok := cache.get("c"); !ok {
		t.Error("expected newest entry to survive")
	}
}

func TestSplitCapacity(t *testing.T) {
	tests := []struct {
		count    int
		ratio    float64
		onDemand int
		spot     int
	}{
		{10, 0, 0, 10},
		{10, 1, 10, 0},
		{10, 0.5, 5, 5},
		{5, 0.5, 3, 2},
		{3, 0.34, 1, 2},
		{0, 0.5, 0, 0},
	}
	for _, tt := range tests {
		onDemand, spot := SplitCapacity(tt.count, tt.ratio)
		if onDemand != tt.onDemand || spot != tt.spot {
			t.Errorf("SplitCapacity(%d, %g) = (%d, %d), want (%d, %d)",
				tt.count, tt.ratio, onDemand, spot, tt.onDemand, tt.spot)
		}
	}
}

func TestFindPlaceholder(t *testing.T) {
	s := `{"a": "${join(ids, "},{")}", "b": "plain"}`
	start, end, expr, ok := findPlaceholder(s, 0)
	if !ok {
		t.Fatal("expected a placeholder")
	}
	if expr != `join(ids, "},{")` {
		t.Errorf("unexpected expression: %s", expr)
	}
	if s[start:end] != `${join(ids, "},{")}` {
		t.Errorf("unexpected bounds: %s", s[start:end])
	}
	if _, _, _, ok := findPlaceholder(s, end); ok {
		t.Error("expected no further placeholder")
	}
}
