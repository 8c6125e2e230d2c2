// Package authtypes names the login flow identifiers the client API
// advertises on GET /login and accepts on POST /login.
package authtypes

const (
	LoginTypePassword = "m.login.password"
	LoginTypeToken    = "m.login.token"
)
