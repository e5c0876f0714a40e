package e2e

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// freeAddr reserves an ephemeral port and releases it for the server
// under test. The race window between Close and serve is tiny.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// TestServeLifecycle boots the daemon against a knowledge-only config,
// walks the status API, and verifies SIGTERM drains it cleanly.
func TestServeLifecycle(t *testing.T) {
	addr := freeAddr(t)
	cfgPath := writeKnowledgeOnlyConfig(t, addr)
	base := "http://" + addr + "/v1/supervisor"

	var stderr bytes.Buffer
	cmd := exec.Command(cliBinary, "serve", "-c", cfgPath)
	cmd.Env = cleanEnv()
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	defer cmd.Process.Kill()

	// 1. Wait for the listener
	deadline := time.Now().Add(15 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy.\nStderr: %s", stderr.String())
		}
		time.Sleep(200 * time.Millisecond)
	}

	// 2. Status reports healthy with no external dependencies
	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	var report struct {
		Overall string `json:"overall"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if report.Overall != "healthy" {
		t.Errorf("expected healthy, got %q", report.Overall)
	}

	// 3. Journal starts empty
	resp, err = http.Get(base + "/journal")
	if err != nil {
		t.Fatalf("journal request failed: %v", err)
	}
	var jr struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	resp.Body.Close()
	if jr.Count != 0 {
		t.Errorf("expected empty journal, got %d entries", jr.Count)
	}

	// 4. Bad query parameters are rejected, not swallowed
	resp, err = http.Get(base + "/journal?limit=banana")
	if err != nil {
		t.Fatalf("journal request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}

	// 5. The event stream accepts subscribers
	wsURL := "ws://" + addr + "/v1/supervisor/events?replay=0"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	ws.Close()

	// 6. SIGTERM drains within the shutdown timeout
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve exited non-zero after SIGTERM: %v\nStderr: %s", err, stderr.String())
		}
	case <-time.After(20 * time.Second):
		cmd.Process.Kill()
		t.Fatalf("serve did not exit after SIGTERM.\nStderr: %s", stderr.String())
	}

	// 7. The port is actually released
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Errorf("port %s still accepting connections after shutdown", addr)
	}

	t.Log("✅ serve lifecycle passed")
}
