package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OIS_USERNAME", "OIS_PASSWORD", "OIS_BASE_URL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "CHECK_INTERVAL", "TESSERACT_PATH", "OIS_STATE_DIR"} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "check", "captcha"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q missing", name)
		}
	}
}

func TestCheckRequiresCredentials(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	_, err := execute(t, "check",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", filepath.Join(dir, "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "OIS_USERNAME") {
		t.Fatalf("err = %v, want missing credentials", err)
	}
}

func TestRunRequiresTelegramSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("OIS_USERNAME", "student")
	t.Setenv("OIS_PASSWORD", "secret")
	dir := t.TempDir()
	_, err := execute(t, "run",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", filepath.Join(dir, "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Fatalf("err = %v, want missing telegram settings", err)
	}
}

func TestCaptchaCommandArgs(t *testing.T) {
	if _, err := execute(t, "captcha"); err == nil {
		t.Error("captcha without an image should fail")
	}
	clearEnv(t)
	dir := t.TempDir()
	_, err := execute(t, "captcha", filepath.Join(dir, "nope.png"),
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", filepath.Join(dir, "missing.env"))
	if err == nil {
		t.Error("missing image file should fail")
	}
}
