package operator

import "fmt"

// handlerFunc is one command handler: given a Request, produce a
// Response. RequireRole wraps a handlerFunc, decorator-style
// authorization mapped to explicit Go middleware.
type handlerFunc func(Request) Response

// RequireRole rejects req unless req.Role equals one of allowed, unless
// publicOverride is true (wired to ALLOW_PUBLIC_SYSTEM_RESET for the
// destructive reset-state command, which is admin-only unless that
// toggle is set).
func RequireRole(next handlerFunc, publicOverride bool, allowed ...string) handlerFunc {
	return func(req Request) Response {
		if publicOverride {
			return next(req)
		}
		for _, role := range allowed {
			if req.Role == role {
				return next(req)
			}
		}
		return Response{OK: false, Error: fmt.Sprintf("forbidden: role %q is not authorized for this command", req.Role)}
	}
}
