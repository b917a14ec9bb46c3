package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupEnv points every store at a temporary SQLite database
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	postcodes := filepath.Join(dir, "postcodes.csv")
	writeFile(t, postcodes, "postcode,latitude,longitude\n110001,28.6139,77.2090\n560001,12.9716,77.5946\n")

	t.Setenv("CARD_STORE", "sqlite")
	t.Setenv("LEDGER_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "fraud.db"))
	t.Setenv("POSTCODE_CSV", postcodes)
	t.Setenv("REDIS_ADDRS", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("TRANSACTION_TIMEZONE", "UTC")
	t.Setenv("STATE_WRITE_MODE", "")
	t.Setenv("PIPELINE_WORKERS", "")
	t.Setenv("KAFKA_COMMIT_EVERY", "")
	t.Setenv("INGEST_SOURCE", "")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func transaction(postcode, dt string) string {
	return `{"card_id":"card-1","member_id":"m-1","amount":"100","postcode":"` + postcode +
		`","pos_id":"p-1","transaction_dt":"` + dt + `"}`
}

func TestCommands_EndToEnd(t *testing.T) {
	dir := setupEnv(t)

	profilesPath := filepath.Join(dir, "profiles.csv")
	writeFile(t, profilesPath, "card_id,score,ucl,postcode,transaction_dt\ncard-1,250,500,110001,01-01-2020 10:00:00\n")

	out, err := run(t, "load-profiles", profilesPath)
	if err != nil {
		t.Fatalf("load-profiles failed: %v", err)
	}
	if !strings.Contains(out, "Loaded 1 profiles (1 with state)") {
		t.Errorf("unexpected output %q", out)
	}

	// Moving 1740 km with no elapsed time
	fraudPath := filepath.Join(dir, "fraud.json")
	writeFile(t, fraudPath, transaction("560001", "01-01-2020 10:00:00"))

	out, err = run(t, "classify", fraudPath)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	var res classifyResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to decode %q: %v", out, err)
	}
	if res.Status != "FRAUD" || len(res.FailedRules) != 1 || res.FailedRules[0] != "velocity" {
		t.Errorf("expected velocity fraud, got %+v", res)
	}

	genuinePath := filepath.Join(dir, "genuine.json")
	writeFile(t, genuinePath, transaction("110001", "01-01-2020 12:00:00"))

	out, err = run(t, "classify", "--key", "tx-2", genuinePath)
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	res = classifyResult{}
	json.Unmarshal([]byte(out), &res)
	if res.Status != "GENUINE" || res.Outcome != "GENUINE" {
		t.Errorf("expected GENUINE, got %+v", res)
	}

	out, err = run(t, "rebuild-state", "--card", "card-1")
	if err != nil {
		t.Fatalf("rebuild-state failed: %v", err)
	}
	if !strings.Contains(out, "postcode 110001 at 01-01-2020 12:00:00") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestClassify_RejectedPayload(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "bad.json")
	writeFile(t, path, `{"card_id":"card-1"}`)

	out, err := run(t, "classify", path)
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if !strings.Contains(out, `"outcome": "REJECTED"`) {
		t.Errorf("expected REJECTED outcome, got %q", out)
	}
}

func TestLoadProfiles_UnknownSeedPostcode(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "profiles.csv")
	writeFile(t, path, "card-1,250,500,99999,01-01-2020 10:00:00\n")

	if _, err := run(t, "load-profiles", path); err == nil || !strings.Contains(err.Error(), "unknown postcode") {
		t.Errorf("expected unknown postcode error, got %v", err)
	}
	if _, err := run(t, "rebuild-state", "--card", "card-1"); err == nil {
		t.Error("expected no state for card-1")
	}
}

func TestRebuildState_UnknownCard(t *testing.T) {
	setupEnv(t)

	if _, err := run(t, "rebuild-state", "--card", "nobody"); err == nil {
		t.Error("expected error for a card without GENUINE transactions")
	}
	if _, err := run(t, "rebuild-state"); err == nil {
		t.Error("expected error when --card is missing")
	}
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("CARD_STORE", "mongo")

	if _, err := run(t, "rebuild-state", "--card", "card-1"); err == nil || !strings.Contains(err.Error(), "CARD_STORE") {
		t.Errorf("expected CARD_STORE validation error, got %v", err)
	}
}
