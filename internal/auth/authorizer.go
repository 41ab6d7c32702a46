// this file contains code enforces an Access Control List (ACL) rules/policy on connected clients
package auth

import (
	"fmt"

	"github.com/casbin/casbin"
	"github.com/mrshabel/raftlog/internal/wireerr"
)

type Authorizer struct {
	enforcer *casbin.Enforcer
}

// the New function returns an authorization enforcer instance where model points to the file
// containing the casbin's authorization setup and policy points to the csv file containing the
// ACL table
func New(model, policy string) *Authorizer {
	enforcer := casbin.NewEnforcer(model, policy)
	return &Authorizer{
		enforcer: enforcer,
	}
}

// Authorize checks whether subject can perform action on object, returning
// a StatusAuthFailure-flavored *wireerr.Error (rather than a grpc status)
// so the rpcserver dispatch loop can frame it directly.
func (a *Authorizer) Authorize(subject, object, action string) error {
	if !a.enforcer.Enforce(subject, object, action) {
		return wireerr.AuthFailure(fmt.Sprintf("%s not permitted to %s on %s", subject, action, object))
	}
	return nil
}
