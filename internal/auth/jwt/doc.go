// Package jwt validates bearer tokens and turns them into caller
// identities.
//
// Verification order is fixed: shape, signature, claims, expiry. A
// token whose signature does not verify is never inspected further, so
// claim errors are only ever reported for authentic tokens.
//
//	v, err := jwt.NewValidator(&jwt.Config{
//	    Algorithms: []string{"HS256"},
//	    Secret:     os.Getenv("GATEWAY_JWT_SECRET"),
//	})
//	identity, err := v.Validate(ctx, rawToken)
package jwt
