// Package auth defines the caller identity produced by credential
// validation and consumed by the rest of the admission pipeline.
//
// Token verification itself lives in the jwt subpackage.
package auth
