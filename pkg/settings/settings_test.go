package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(New())
	if err != nil {
		t.Fatal(err)
	}
	want := &Settings{
		Log:      LogSettings{Level: "info", Format: "text"},
		Debounce: time.Second,
		Pipeline: "default",
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("PIPEWRIGHT_LOG_LEVEL", "debug")
	t.Setenv("PIPEWRIGHT_DEBOUNCE", "250ms")
	t.Setenv("PIPEWRIGHT_PIPELINE", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("pipeline", "default", "")
	flags.String("log-format", "text", "")
	flags.String("unrelated", "", "")
	if err := flags.Parse([]string{"--pipeline=watch", "--log-format=json"}); err != nil {
		t.Fatal(err)
	}

	v := New()
	if err := BindFlags(v, flags); err != nil {
		t.Fatal(err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.Log.Level != "debug" || s.Debounce != 250*time.Millisecond {
		t.Errorf("env not applied: %+v", s)
	}
	if s.Pipeline != "watch" || s.Log.Format != "json" {
		t.Errorf("flags not applied: %+v", s)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("PIPEWRIGHT_LOG_LEVEL", "loud")
	t.Setenv("PIPEWRIGHT_LOG_FORMAT", "xml")
	if _, err := Load(New()); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "PIPEWRIGHT_TEST_FROM_FILE=file\nPIPEWRIGHT_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIPEWRIGHT_TEST_PRESET", "env")
	t.Setenv("PIPEWRIGHT_TEST_FROM_FILE", "")
	os.Unsetenv("PIPEWRIGHT_TEST_FROM_FILE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("PIPEWRIGHT_TEST_FROM_FILE") })
	if got := os.Getenv("PIPEWRIGHT_TEST_FROM_FILE"); got != "file" {
		t.Errorf("from file = %q", got)
	}
	if got := os.Getenv("PIPEWRIGHT_TEST_PRESET"); got != "env" {
		t.Errorf("preset = %q, want the existing value kept", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
