package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"compiled/internal/backend"
)

func desc(loc string) Descriptor {
	return Descriptor{Location: loc, Options: backend.Options{"PRECISION": "f32"}}
}

func TestRegisterDuplicateLeavesRegistryUnchanged(t *testing.T) {
	r := New("")
	if err := r.Register("CPU", desc("libcpu")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register("CPU", desc("X"))
	if !IsDuplicateRegistration(err) {
		t.Fatalf("expected duplicate registration, got %v", err)
	}
	d, err := r.Lookup("CPU")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Location != "libcpu" {
		t.Fatalf("descriptor replaced: %+v", d)
	}
	if got := r.List(); !reflect.DeepEqual(got, []string{"CPU"}) {
		t.Fatalf("list: %v", got)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	r := New("")
	for _, name := range []string{"", "GPU.1", "."} {
		if err := r.Register(name, desc("x")); !IsInvalidName(err) {
			t.Fatalf("%q: expected invalid name, got %v", name, err)
		}
	}
	if len(r.List()) != 0 {
		t.Fatalf("registry mutated: %v", r.List())
	}
	if r.DeviceMutex("GPU") != nil {
		t.Fatalf("mutex allocated for rejected name")
	}
}

func TestLookupNotFound(t *testing.T) {
	r := New("")
	_, err := r.Lookup("NOPE")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Name != "NOPE" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New("")
	if err := r.Register("CPU", desc("libcpu")); err != nil {
		t.Fatal(err)
	}
	d, _ := r.Lookup("CPU")
	d.Options["PRECISION"] = "mutated"
	again, _ := r.Lookup("CPU")
	if again.Options["PRECISION"] != "f32" {
		t.Fatalf("lookup leaked internal map: %v", again.Options)
	}
}

func TestListSorted(t *testing.T) {
	r := New("")
	if err := r.RegisterAll([]Descriptor{{Name: "GPU"}, {Name: "ACC1"}, {Name: "CPU"}}); err != nil {
		t.Fatal(err)
	}
	if got := r.List(); !reflect.DeepEqual(got, []string{"ACC1", "CPU", "GPU"}) {
		t.Fatalf("list: %v", got)
	}
	if err := r.RegisterAll([]Descriptor{{Name: "NPU"}, {Name: "CPU"}}); !IsDuplicateRegistration(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := r.Lookup("NPU"); err != nil {
		t.Fatalf("earlier descriptor should stay registered: %v", err)
	}
}

func TestCanonicalize(t *testing.T) {
	r := New("CPU")
	d := desc("libgpu")
	d.SubDevices = map[string]backend.Options{"1": {"PRECISION": "f16"}}
	if err := r.Register("GPU", d); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("CPU", desc("libcpu")); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		in      string
		device  string
		id      string
		options backend.Options
	}{
		{"", "CPU", "", backend.Options{"PRECISION": "f32"}},
		{"DEFAULT", "CPU", "", backend.Options{"PRECISION": "f32"}},
		{"GPU", "GPU", "", backend.Options{"PRECISION": "f32"}},
		{"-GPU", "GPU", "", backend.Options{"PRECISION": "f32"}},
		{"GPU.0", "GPU", "0", backend.Options{"PRECISION": "f32", backend.OptDeviceID: "0"}},
		{"GPU.1", "GPU", "1", backend.Options{"PRECISION": "f16", backend.OptDeviceID: "1"}},
	}
	for _, tc := range cases {
		got, err := r.Canonicalize(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got.Device != tc.device || got.DeviceID != tc.id || !reflect.DeepEqual(got.Options, tc.options) {
			t.Fatalf("%q: got %+v", tc.in, got)
		}
	}

	if _, err := r.Canonicalize("NPU.0"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	r.SetDefault("")
	if _, err := r.Canonicalize(""); !IsNotFound(err) {
		t.Fatalf("expected not found without default, got %v", err)
	}
}

func TestMergeOptions(t *testing.T) {
	r := New("")
	if err := r.Register("CPU", desc("libcpu")); err != nil {
		t.Fatal(err)
	}
	if err := r.MergeOptions("CPU", backend.Options{"NUM_STREAMS": 4}); err != nil {
		t.Fatal(err)
	}
	if err := r.MergeSubDeviceOptions("CPU", "2", backend.Options{"PRECISION": "bf16"}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Canonicalize("CPU.2")
	if err != nil {
		t.Fatal(err)
	}
	want := backend.Options{"PRECISION": "bf16", "NUM_STREAMS": 4, backend.OptDeviceID: "2"}
	if !reflect.DeepEqual(res.Options, want) {
		t.Fatalf("options: %v", res.Options)
	}
	if err := r.MergeOptions("NOPE", nil); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExtensionsDeduplicated(t *testing.T) {
	r := New("")
	if !r.AddExtension("a.so") || !r.AddExtension("b.so") || r.AddExtension("a.so") {
		t.Fatalf("unexpected AddExtension results")
	}
	if got := r.Extensions(); !reflect.DeepEqual(got, []string{"a.so", "b.so"}) {
		t.Fatalf("extensions: %v", got)
	}
}

func TestInstanceMap(t *testing.T) {
	r := New("")
	if err := r.Register("CPU", desc("libcpu")); err != nil {
		t.Fatal(err)
	}
	if r.DeviceMutex("CPU") == nil {
		t.Fatalf("device mutex not allocated")
	}
	l := NewLoaded(Descriptor{Name: "CPU"}, nil, nil)
	if !r.Store("CPU", l) {
		t.Fatalf("store failed")
	}
	if r.Store("CPU", NewLoaded(Descriptor{Name: "CPU"}, nil, nil)) {
		t.Fatalf("second store must not replace the live instance")
	}
	if got, ok := r.Instance("CPU"); !ok || got != l {
		t.Fatalf("instance: %v %v", got, ok)
	}
	if len(r.Instances()) != 1 {
		t.Fatalf("instances: %v", r.Instances())
	}
	if got, ok := r.Remove("CPU"); !ok || got != l {
		t.Fatalf("remove: %v %v", got, ok)
	}
	if _, ok := r.Remove("CPU"); ok {
		t.Fatalf("second remove should report absent")
	}
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestLoadedClosesOnLastRelease(t *testing.T) {
	c := &closeCounter{}
	l := NewLoaded(Descriptor{Name: "ACC1"}, nil, c)
	l.Retain() // artifact
	if err := l.Release(); err != nil { // registry drops its reference
		t.Fatal(err)
	}
	if c.n != 0 || l.Closed() {
		t.Fatalf("module closed while an artifact is alive")
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if c.n != 1 || !l.Closed() || l.Refs() != 0 {
		t.Fatalf("closes=%d closed=%v refs=%d", c.n, l.Closed(), l.Refs())
	}
	if err := l.Release(); err != nil || c.n != 1 {
		t.Fatalf("extra release closed again: %d %v", c.n, err)
	}
}

func TestTryRetainRefusesClosedModule(t *testing.T) {
	c := &closeCounter{}
	l := NewLoaded(Descriptor{Name: "ACC1"}, nil, c)
	if !l.TryRetain() || l.Refs() != 2 {
		t.Fatalf("retain on live module: refs=%d", l.Refs())
	}
	_ = l.Release()
	_ = l.Release()
	if !l.Closed() {
		t.Fatal("module not closed after last release")
	}
	if l.TryRetain() {
		t.Fatal("retained a closed module")
	}
	if l.Refs() != 0 || c.n != 1 {
		t.Fatalf("refs=%d closes=%d", l.Refs(), c.n)
	}
}

func TestScanDirFindsBackendExecutables(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	dir := t.TempDir()
	files := map[string]os.FileMode{
		"compiled-backend-acc1": 0o755,
		"compiled-backend-cpu":  0o755,
		"compiled-backend-gpu":  0o644, // not executable
		"compiled-backend-":     0o755, // no device name
		"other-tool":            0o755,
	}
	for name, mode := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), mode); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	descs, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %+v", descs)
	}
	if descs[0].Name != "ACC1" || descs[1].Name != "CPU" {
		t.Fatalf("unexpected names: %s %s", descs[0].Name, descs[1].Name)
	}
	for _, d := range descs {
		if d.Factory.Kind != backend.DynamicModule || d.Factory.Path != d.Location || !filepath.IsAbs(d.Location) {
			t.Fatalf("unexpected descriptor: %+v", d)
		}
	}
	if _, err := ScanDir(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
