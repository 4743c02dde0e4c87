package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("EMBEDDING_PROVIDER", "mock")
	t.Setenv("SUMMARIZER_PROVIDER", "mock")
	t.Setenv("MEMORY_EMBEDDING_DIM", "16")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConsolidateRequiresFlags(t *testing.T) {
	_, err := run(t, "consolidate", "--user", "u1")
	if err == nil || !strings.Contains(err.Error(), "session") {
		t.Fatalf("Execute() error = %v, want missing session flag", err)
	}
}

func TestConsolidateEmptyConversation(t *testing.T) {
	out, err := run(t, "consolidate", "--user", "u1", "--session", "s1", "--force")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var res struct {
		Consolidated bool   `json:"consolidated"`
		Outcome      string `json:"outcome"`
		Forced       bool   `json:"forced"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if res.Consolidated || res.Outcome != "no_turns" || !res.Forced {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPurgeOnEmptyStore(t *testing.T) {
	out, err := run(t, "purge")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, `"purged": 0`) {
		t.Fatalf("output = %q, want purged 0", out)
	}
}

func TestSearchOnEmptyStore(t *testing.T) {
	out, err := run(t, "search", "--user", "u1", "--query", "dogs")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("output = %q, want empty list", out)
	}
}

func TestBadEnvFileFails(t *testing.T) {
	_, err := run(t, "--env-file", "/nonexistent/.env", "purge")
	if err == nil {
		t.Fatal("Execute() succeeded with missing env file")
	}
}

func TestUserUnknownIsNotFound(t *testing.T) {
	_, err := run(t, "user", "--user", "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Execute() error = %v, want not found", err)
	}
}

func TestReindexNeedsPostgres(t *testing.T) {
	_, err := run(t, "reindex")
	if err == nil || !strings.Contains(err.Error(), "no vector index") {
		t.Fatalf("Execute() error = %v, want unsupported backend", err)
	}
}
