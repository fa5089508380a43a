package operator

import "testing"

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	called := false
	h := RequireRole(func(r Request) Response { called = true; return Response{OK: true} }, false, "admin", "operator")
	resp := h(Request{Cmd: "stop", Role: "operator"})
	if !called || !resp.OK {
		t.Fatalf("expected the handler to run for an allowed role, got called=%v resp=%+v", called, resp)
	}
}

func TestRequireRole_RejectsUnlistedRole(t *testing.T) {
	called := false
	h := RequireRole(func(r Request) Response { called = true; return Response{OK: true} }, false, "admin")
	resp := h(Request{Cmd: "reset-state", Role: "viewer"})
	if called {
		t.Fatal("expected the handler to be skipped for a forbidden role")
	}
	if resp.OK {
		t.Fatalf("expected a rejection response, got %+v", resp)
	}
}

func TestRequireRole_PublicOverrideBypassesRoleCheck(t *testing.T) {
	called := false
	h := RequireRole(func(r Request) Response { called = true; return Response{OK: true} }, true, "admin")
	resp := h(Request{Cmd: "reset-state", Role: ""})
	if !called || !resp.OK {
		t.Fatalf("expected publicOverride to bypass the role check, got called=%v resp=%+v", called, resp)
	}
}
