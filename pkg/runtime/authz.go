package runtime

import "strings"

// Authorized reports whether any granted entry satisfies the requested
// (action, resource) pair. No match means deny; there is no allow-by-default
// path.
func Authorized(granted []Access, action, resource string) bool {
	for _, g := range granted {
		if actionAuthorizes(g.Action, action) && resourceAuthorizes(g.Resource, resource) {
			return true
		}
	}
	return false
}

// actionAuthorizes matches colon-separated action segments. A granted "*"
// segment terminates the match; anything short of full equality or a
// wildcard is a deny.
func actionAuthorizes(granted, requested string) bool {
	if granted == requested {
		return true
	}
	grantedSegs := strings.Split(granted, ":")
	requestedSegs := strings.Split(requested, ":")
	for i := range requestedSegs {
		if i >= len(grantedSegs) {
			return false
		}
		switch grantedSegs[i] {
		case "*":
			return true
		case requestedSegs[i]:
			// next segment
		default:
			return false
		}
	}
	return false
}

// resourceAuthorizes checks that the granted resource is a segment-exact
// path prefix of the requested one. "/tenant/" grants "/tenant/abc" but
// "/ten" does not grant "/tenant".
func resourceAuthorizes(granted, requested string) bool {
	grantedSegs := pathSegments(granted)
	requestedSegs := pathSegments(requested)
	if len(grantedSegs) > len(requestedSegs) {
		return false
	}
	for i := range grantedSegs {
		if grantedSegs[i] != requestedSegs[i] {
			return false
		}
	}
	return true
}

func pathSegments(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
