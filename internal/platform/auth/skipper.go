package auth

// publicPaths lists route paths that bypass session resolution: probes,
// metrics, login and the public report wizard.
var publicPaths = map[string]bool{
	"/health":               true,
	"/health/db":            true,
	"/metrics":              true,
	"/api/v1/auth/login":    true,
	"/api/v1/intake/wizard": true,
}

// IsPublicPath reports whether the route path is reachable without a session.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
