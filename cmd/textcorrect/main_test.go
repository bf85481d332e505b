package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestRunPrintsCorrection(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		model, _ = body["model"].(string)
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "This is correct."})
	}))
	defer srv.Close()
	t.Setenv("LOQA_CORRECTOR_ENDPOINT", srv.URL)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{writeInput(t, "  this is corect \n"), "-l", "en", "-k", "10"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"Model: llama2:13b", "Language: en", "this is corect", "top_k=10", "This is correct."} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if model != "llama2:13b" {
		t.Fatalf("server saw model %q", model)
	}
}

func TestRunTransportErrorExitsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	t.Setenv("LOQA_CORRECTOR_ENDPOINT", srv.URL)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{writeInput(t, "hallo")}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("transport failures must exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "Could not reach the correction service") {
		t.Fatalf("expected transport message:\n%s", stdout.String())
	}
}

func TestRunValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
	}{
		{"temperature", func(t *testing.T) []string { return []string{"-t", "1.5", writeInput(t, "x")} }},
		{"top-p", func(t *testing.T) []string { return []string{"-p", "-0.1", writeInput(t, "x")} }},
		{"top-k", func(t *testing.T) []string { return []string{"--top-k", "0", writeInput(t, "x")} }},
		{"empty file", func(t *testing.T) []string { return []string{writeInput(t, " \n\t")} }},
		{"missing file", func(t *testing.T) []string { return []string{filepath.Join(t.TempDir(), "nope.txt")} }},
		{"invalid utf8", func(t *testing.T) []string { return []string{writeInput(t, "\xff\xfe")} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LOQA_CORRECTOR_ENDPOINT", "http://127.0.0.1:1")
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tc.args(t), &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit 1, got %d:\n%s%s", code, stdout.String(), stderr.String())
			}
		})
	}
}

func TestRunRequiresFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestRunRejectsUnsupportedLanguageAsUsage(t *testing.T) {
	for _, args := range [][]string{{"-l", "fr", "input.txt"}, {"input.txt", "-language", "EN"}} {
		var stdout, stderr bytes.Buffer
		if code := run(context.Background(), args, &stdout, &stderr); code != 2 {
			t.Fatalf("%v: expected usage exit 2, got %d", args, code)
		}
		if !strings.Contains(stderr.String(), "unsupported language") {
			t.Fatalf("%v: expected language error on stderr:\n%s", args, stderr.String())
		}
	}
}

func TestRunIgnoresServiceConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "Hallo Welt."})
	}))
	defer srv.Close()
	t.Setenv("LOQA_CORRECTOR_ENDPOINT", srv.URL)
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	t.Setenv("LOQA_HTTP_PORT", "0")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{writeInput(t, "hallo welt")}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d:\n%s%s", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "Hallo Welt.") {
		t.Fatalf("expected corrected text:\n%s", stdout.String())
	}
}

func TestRunRejectsBadCorrectorConfig(t *testing.T) {
	t.Setenv("LOQA_CORRECTOR_TIMEOUT_MS", "0")
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{writeInput(t, "hallo")}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "corrector.timeout_ms") {
		t.Fatalf("expected corrector error:\n%s", stderr.String())
	}
}
