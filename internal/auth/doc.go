// Package auth authenticates callers of the conductor's HTTP API and gRPC
// control service.
//
// Callers present an HS256 JWT as "Authorization: Bearer <token>" (or a
// "token" query parameter on WebSocket upgrades, which browsers cannot add
// headers to). Tokens carry a subject and optional roles; the operator role
// is required to decide plans.
//
//	v := auth.NewJWTVerifier(secret)
//	token, _ := v.Generate("alice", []string{auth.RoleOperator}, time.Hour)
//
// HTTPMiddleware and UnaryInterceptor attach the verified Identity to the
// request context; handlers read it with FromContext. With no secret
// configured both attach Anonymous, which holds every role.
package auth
