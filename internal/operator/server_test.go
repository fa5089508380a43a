package operator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeAgent struct {
	stopped   bool
	seeded    bool
	wasReset  bool
	stopErr   error
	statusMap map[string]interface{}
}

func (f *fakeAgent) Stop(ctx context.Context) error       { f.stopped = true; return f.stopErr }
func (f *fakeAgent) SeedDemo(ctx context.Context) error   { f.seeded = true; return nil }
func (f *fakeAgent) ResetState(ctx context.Context) error { f.wasReset = true; return nil }
func (f *fakeAgent) Status(ctx context.Context) map[string]interface{} {
	if f.statusMap == nil {
		return map[string]interface{}{"machines_tracked": 0}
	}
	return f.statusMap
}

func startTestServer(t *testing.T, agent Agent, publicOverride bool) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(sockPath, agent, zap.NewNop(), publicOverride)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := SendCommand(sockPath, Request{Cmd: "status", Role: "admin"}); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return sockPath
}

func TestServer_StatusCommandRequiresNoRole(t *testing.T) {
	agent := &fakeAgent{}
	sock := startTestServer(t, agent, false)

	resp, err := SendCommand(sock, Request{Cmd: "status"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.OK || resp.Status == nil {
		t.Fatalf("expected a successful status response, got %+v", resp)
	}
}

func TestServer_StopRequiresAdminOrOperatorRole(t *testing.T) {
	agent := &fakeAgent{}
	sock := startTestServer(t, agent, false)

	resp, err := SendCommand(sock, Request{Cmd: "stop", Role: "viewer"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected stop to be forbidden for role=viewer, got %+v", resp)
	}
	if agent.stopped {
		t.Fatal("expected the agent not to be stopped when the role check fails")
	}

	resp, err = SendCommand(sock, Request{Cmd: "stop", Role: "admin"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.OK || !agent.stopped {
		t.Fatalf("expected stop to succeed for role=admin, got resp=%+v stopped=%v", resp, agent.stopped)
	}
}

func TestServer_ResetStateRequiresAdminSpecifically(t *testing.T) {
	agent := &fakeAgent{}
	sock := startTestServer(t, agent, false)

	resp, err := SendCommand(sock, Request{Cmd: "reset-state", Role: "operator"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected reset-state to require admin specifically, got %+v", resp)
	}
	if agent.wasReset {
		t.Fatal("expected the agent's state not to be reset")
	}
}

func TestServer_UnknownCommandReturnsError(t *testing.T) {
	agent := &fakeAgent{}
	sock := startTestServer(t, agent, false)

	resp, err := SendCommand(sock, Request{Cmd: "not-a-real-command"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.OK {
		t.Fatal("expected an unknown command to fail")
	}
}

func TestServer_SeedDemoSucceeds(t *testing.T) {
	agent := &fakeAgent{}
	sock := startTestServer(t, agent, false)

	resp, err := SendCommand(sock, Request{Cmd: "seed-demo", Role: "operator"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.OK || !agent.seeded {
		t.Fatalf("expected seed-demo to succeed, got resp=%+v seeded=%v", resp, agent.seeded)
	}
}
