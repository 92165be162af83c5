package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const recording = `1700000000.0,,,2,192.168.1.1,AA:AA:AA:AA:AA:AA,,,,
1700000001.0,10.0.0.5,10.0.0.1,,,,8,,,
not a record
1700000005.0,,,2,192.168.1.1,bb:bb:bb:bb:bb:bb,,,,
`

func TestRun_ReplaysRecording(t *testing.T) {
	t.Setenv("NETSENTRY_INTERFACE", "")
	dir := t.TempDir()
	trafficPath := filepath.Join(dir, "traffic.csv")

	var out bytes.Buffer
	code := run([]string{
		"-config", filepath.Join(dir, "missing.yaml"),
		"-traffic-log", trafficPath,
		"-store", filepath.Join(dir, "alerts.db"),
	}, strings.NewReader(recording), &out)
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	var summary struct {
		Stats struct {
			Events uint64 `json:"events"`
			Alerts uint64 `json:"alerts"`
		} `json:"stats"`
		Alerts []struct {
			AttackType string                 `json:"attack_type"`
			Key        string                 `json:"key"`
			Details    map[string]interface{} `json:"details"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("summary: %v\n%s", err, out.String())
	}
	if summary.Stats.Events != 3 || summary.Stats.Alerts != 1 {
		t.Errorf("stats = %+v", summary.Stats)
	}
	if len(summary.Alerts) != 1 || summary.Alerts[0].AttackType != "ARP_SPOOFING" || summary.Alerts[0].Key != "192.168.1.1" {
		t.Fatalf("alerts = %+v", summary.Alerts)
	}

	data, err := os.ReadFile(trafficPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ARP_SPOOFING") || !strings.HasPrefix(string(data), "timestamp,") {
		t.Errorf("traffic log = %q", data)
	}
}

func TestRun_InputFile(t *testing.T) {
	t.Setenv("NETSENTRY_INTERFACE", "")
	dir := t.TempDir()
	input := filepath.Join(dir, "capture.txt")
	if err := os.WriteFile(input, []byte(recording), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if code := run([]string{"-config", filepath.Join(dir, "none.yaml"), "-input", input}, strings.NewReader(""), &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), `"ARP_SPOOFING"`) {
		t.Errorf("summary missing alert: %s", out.String())
	}
}

func TestRun_SummaryKeepsEveryAlert(t *testing.T) {
	t.Setenv("NETSENTRY_INTERFACE", "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("engine:\n  alert_retention: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var input strings.Builder
	for i := 1; i <= 3; i++ {
		ts := 1700000000 + i*10
		fmt.Fprintf(&input, "%d.0,,,2,192.168.1.%d,aa:aa:aa:aa:aa:aa,,,,\n", ts, i)
		fmt.Fprintf(&input, "%d.0,,,2,192.168.1.%d,bb:bb:bb:bb:bb:bb,,,,\n", ts+1, i)
	}

	var out bytes.Buffer
	if code := run([]string{"-config", cfgPath}, strings.NewReader(input.String()), &out); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var summary struct {
		Stats struct {
			Alerts uint64 `json:"alerts"`
		} `json:"stats"`
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Stats.Alerts != 3 || len(summary.Alerts) != 3 {
		t.Errorf("stats.alerts = %d, listed = %d, want 3 and 3", summary.Stats.Alerts, len(summary.Alerts))
	}
}

func TestRun_Errors(t *testing.T) {
	t.Setenv("NETSENTRY_INTERFACE", "")
	dir := t.TempDir()
	var out bytes.Buffer
	if code := run([]string{"-bogus"}, strings.NewReader(""), &out); code != 1 {
		t.Errorf("bad flag exit %d, want 1", code)
	}
	if code := run([]string{"-config", filepath.Join(dir, "none.yaml"), "-input", filepath.Join(dir, "missing")}, strings.NewReader(""), &out); code != 1 {
		t.Errorf("missing input exit %d, want 1", code)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("engine:\n  workers: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"-config", bad}, strings.NewReader(""), &out); code != 1 {
		t.Errorf("invalid config exit %d, want 1", code)
	}
}
