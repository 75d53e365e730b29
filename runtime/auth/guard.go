// Package auth provides the capability guard consulted by the conversation
// orchestrator (may this role request this task type?) and the evidence
// verification workflow (may this user review?).
//
// Capabilities are coarse, typed values resolved once at construction into
// immutable per-role sets. A Guard holds no other state and is safe for
// concurrent use without locks.
package auth

import "fmt"

type (
	// Role identifies an actor class.
	Role string

	// Capability names a coarse permission. Task creation capabilities are
	// parameterized by task type via CreateTask.
	Capability string

	// Guard answers capability checks for roles.
	Guard interface {
		Can(role Role, cap Capability) bool
	}

	// StaticGuard is a Guard backed by a fixed role-to-capability mapping.
	StaticGuard struct {
		grants map[Role]map[Capability]struct{}
	}
)

const (
	// RoleAdmin holds every capability.
	RoleAdmin Role = "admin"
	// RoleAssessor submits evidence and drives assessments through the agent.
	RoleAssessor Role = "assessor"
	// RoleReviewer reviews submitted evidence.
	RoleReviewer Role = "reviewer"
	// RoleAgent is the conversational agent acting on behalf of a user; it is
	// granted task-creation capabilities only.
	RoleAgent Role = "agent"
)

const (
	// CapReviewEvidence allows begin-review and decide transitions.
	CapReviewEvidence Capability = "review_evidence"
	// CapManageSessions allows administrative session operations.
	CapManageSessions Capability = "manage_sessions"
)

// CreateTask returns the capability guarding creation of the given task type.
func CreateTask(taskType string) Capability {
	return Capability(fmt.Sprintf("create_task:%s", taskType))
}

// NewStaticGuard builds a Guard from a role-to-capability mapping. The mapping
// is copied; later mutation of the argument does not affect the guard.
func NewStaticGuard(grants map[Role][]Capability) *StaticGuard {
	resolved := make(map[Role]map[Capability]struct{}, len(grants))
	for role, caps := range grants {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		resolved[role] = set
	}
	return &StaticGuard{grants: resolved}
}

// DefaultGuard returns the standard compliance role mapping: assessors create
// assessment tasks and submit evidence, reviewers review evidence, the agent
// role creates tasks only, and admin holds everything.
func DefaultGuard(taskTypes ...string) *StaticGuard {
	taskCaps := make([]Capability, 0, len(taskTypes))
	for _, tt := range taskTypes {
		taskCaps = append(taskCaps, CreateTask(tt))
	}
	grants := map[Role][]Capability{
		RoleAdmin:    append([]Capability{CapReviewEvidence, CapManageSessions}, taskCaps...),
		RoleAssessor: taskCaps,
		RoleReviewer: append([]Capability{CapReviewEvidence}, taskCaps...),
		RoleAgent:    taskCaps,
	}
	return NewStaticGuard(grants)
}

// Can implements Guard.
func (g *StaticGuard) Can(role Role, cap Capability) bool {
	set, ok := g.grants[role]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}
