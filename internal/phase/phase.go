// Package phase defines the closed, ordered set of deployment phases.
//
// The phase order is the backbone of the whole engine: resume points,
// checkpoint validation, and "next phase" computation all derive from it.
// Any phase name outside this set is rejected at the package boundary so
// that no other component ever has to re-validate.
package phase

import (
	"errors"
	"fmt"
)

// Phase is a named, ordered unit of deployment work.
type Phase string

// The full deployment sequence for one instance, in execution order.
const (
	Preflight       Phase = "PREFLIGHT"
	Initialization  Phase = "INITIALIZATION"
	MongoDBInit     Phase = "MONGODB_INIT"
	Services        Phase = "SERVICES"
	OrchestrationDB Phase = "ORCHESTRATION_DB"
	KeycloakConfig  Phase = "KEYCLOAK_CONFIG"
	RealmVerify     Phase = "REALM_VERIFY"
	KASRegister     Phase = "KAS_REGISTER"
	Seeding         Phase = "SEEDING"
	KASInit         Phase = "KAS_INIT"
	Complete        Phase = "COMPLETE"
)

// ErrInvalidPhase is returned when a phase name is outside the closed set.
var ErrInvalidPhase = errors.New("invalid phase")

// ordered is the total order over phases. Index position defines both
// "next phase" and the resume point.
var ordered = []Phase{
	Preflight,
	Initialization,
	MongoDBInit,
	Services,
	OrchestrationDB,
	KeycloakConfig,
	RealmVerify,
	KASRegister,
	Seeding,
	KASInit,
	Complete,
}

var indexOf = func() map[Phase]int {
	m := make(map[Phase]int, len(ordered))
	for i, p := range ordered {
		m[p] = i
	}
	return m
}()

// All returns the phases in execution order.
//
// The returned slice is a copy; callers may modify it freely.
func All() []Phase {
	out := make([]Phase, len(ordered))
	copy(out, ordered)
	return out
}

// Parse validates a phase name against the closed set.
//
// # Inputs
//
//   - name: Candidate phase name (case-sensitive, e.g. "KEYCLOAK_CONFIG")
//
// # Outputs
//
//   - Phase: The validated phase
//   - error: ErrInvalidPhase (wrapped with the offending name) if unknown
func Parse(name string) (Phase, error) {
	p := Phase(name)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, name)
	}
	return p, nil
}

// Valid reports whether p is a member of the closed phase set.
func (p Phase) Valid() bool {
	_, ok := indexOf[p]
	return ok
}

// Index returns p's position in the total order, or -1 if invalid.
func (p Phase) Index() int {
	i, ok := indexOf[p]
	if !ok {
		return -1
	}
	return i
}

// Before reports whether p precedes other in the total order.
// Invalid phases are never before anything.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// Next returns the phase following p in the total order.
// Returns ("", false) for Complete and for invalid phases.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i+1 >= len(ordered) {
		return "", false
	}
	return ordered[i+1], true
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}
