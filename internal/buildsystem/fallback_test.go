package buildsystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jayadamsmorgan/sourcekit-lsp/internal/toolchain"
)

func fallbackRegistry(t *testing.T, withCompiler bool) *toolchain.Registry {
	t.Helper()

	dir := t.TempDir()
	if withCompiler {
		root := filepath.Join(dir, "swift-release")
		if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, "version"), []byte("6.0.1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, "bin", "swiftc"), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	return toolchain.NewRegistry(toolchain.RegistryConfig{
		SearchPaths:              []string{dir},
		DisableStandardLocations: true,
	})
}

func TestFallbackBuildSettings(t *testing.T) {
	backend := NewFallbackBuildSystem("/ws/app", fallbackRegistry(t, true), []string{"-DDEBUG"})

	settings, err := backend.BuildSettings(context.Background(),
		FileURI("/ws/app/main.swift"), ConfiguredTarget{}, LanguageUnknown)
	if err != nil {
		t.Fatalf("BuildSettings failed: %v", err)
	}
	if settings == nil {
		t.Fatal("expected settings, got nil")
	}
	if settings.Language != LanguageSwift {
		t.Errorf("expected inferred swift language, got %q", settings.Language)
	}
	if settings.WorkingDirectory != "/ws/app" {
		t.Errorf("unexpected working directory %q", settings.WorkingDirectory)
	}
	want := []string{"-DDEBUG", "/ws/app/main.swift"}
	if len(settings.CompilerArguments) != len(want) {
		t.Fatalf("unexpected arguments %v", settings.CompilerArguments)
	}
	for i, arg := range want {
		if settings.CompilerArguments[i] != arg {
			t.Errorf("argument %d: got %q, want %q", i, settings.CompilerArguments[i], arg)
		}
	}
}

func TestFallbackUnknownLanguage(t *testing.T) {
	backend := NewFallbackBuildSystem("/ws/app", fallbackRegistry(t, true), nil)

	settings, err := backend.BuildSettings(context.Background(),
		FileURI("/ws/app/notes.txt"), ConfiguredTarget{}, LanguageUnknown)
	if err != nil {
		t.Fatalf("expected nil error for unknown language, got %v", err)
	}
	if settings != nil {
		t.Errorf("expected nil settings for unknown language, got %v", settings)
	}
}

func TestFallbackNoToolchain(t *testing.T) {
	backend := NewFallbackBuildSystem("/ws/app", fallbackRegistry(t, false), nil)

	settings, err := backend.BuildSettings(context.Background(),
		FileURI("/ws/app/main.swift"), ConfiguredTarget{}, LanguageSwift)
	if err != nil {
		t.Fatalf("expected nil error without a toolchain, got %v", err)
	}
	if settings != nil {
		t.Errorf("expected nil settings without a toolchain, got %v", settings)
	}
}

func TestFallbackCapabilities(t *testing.T) {
	backend := NewFallbackBuildSystem("/ws/app", fallbackRegistry(t, true), nil)

	if got := backend.FileHandlingCapability(FileURI("/ws/app/main.c")); got != FileFallback {
		t.Errorf("expected FileFallback for C source, got %v", got)
	}
	if got := backend.FileHandlingCapability(FileURI("/ws/app/readme.md")); got != FileUnhandled {
		t.Errorf("expected FileUnhandled for markdown, got %v", got)
	}
	if err := backend.Prepare(context.Background(), nil, nil); err != ErrPrepareNotSupported {
		t.Errorf("expected ErrPrepareNotSupported, got %v", err)
	}

	targets := backend.ConfiguredTargets(context.Background(), FileURI("/ws/app/main.c"))
	if len(targets) != 1 || targets[0].TargetID != "fallback" {
		t.Errorf("unexpected synthetic targets %v", targets)
	}
}
