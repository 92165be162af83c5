package trafficlog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/detection"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestWriter_Rows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.csv")
	w, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w.Observe(detection.Evaluation{
		Timestamp: 1700000000.5, Detector: "syn_flood", AttackType: "TCP_SYN_FLOOD",
		Interface: "eth0", Key: "10.0.0.1", Observed: 499, Threshold: 500,
	})
	w.Observe(detection.Evaluation{
		Timestamp: 1700000001, Detector: "port_scan", AttackType: "PORT_SCAN",
		Interface: "eth0", Key: "10.0.0.2", Discriminant: "443", Observed: 20, Threshold: 20,
	})
	if w.Rows() != 2 {
		t.Errorf("Rows = %d", w.Rows())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][7] != "label" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "1700000000.500000" || rows[1][7] != "NORMAL" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][4] != "443" || rows[2][7] != "PORT_SCAN" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestWriter_AppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.csv")
	for i := 0; i < 2; i++ {
		w, err := Open(path, testLogger())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		w.Observe(detection.Evaluation{Detector: "icmp_flood", AttackType: "ICMP_PING_FLOOD", Key: "k", Observed: 1, Threshold: 100})
		w.Close()
	}

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[1][0] == "timestamp" || rows[2][0] == "timestamp" {
		t.Error("header repeated on reopen")
	}
}

func TestWriter_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.csv")
	w, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w.Observe(detection.Evaluation{Detector: "syn_flood", Key: "k", Observed: i, Threshold: 500})
			}
		}()
	}
	wg.Wait()
	w.Close()

	if rows := readRows(t, path); len(rows) != 201 {
		t.Errorf("got %d rows, want 201", len(rows))
	}
	// observing after Close is a no-op
	w.Observe(detection.Evaluation{})
}

func TestOpen_BadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "traffic.csv"), testLogger()); err == nil {
		t.Error("expected error for missing directory")
	}
}
