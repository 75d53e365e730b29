package auth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticGuardGrants(t *testing.T) {
	guard := NewStaticGuard(map[Role][]Capability{
		RoleReviewer: {CapReviewEvidence},
		RoleAssessor: {CreateTask("create_project")},
	})

	require.True(t, guard.Can(RoleReviewer, CapReviewEvidence))
	require.False(t, guard.Can(RoleReviewer, CapManageSessions))
	require.True(t, guard.Can(RoleAssessor, CreateTask("create_project")))
	require.False(t, guard.Can(RoleAssessor, CreateTask("delete_project")))
	require.False(t, guard.Can(Role("unknown"), CapReviewEvidence))
}

func TestNewStaticGuardCopiesMapping(t *testing.T) {
	grants := map[Role][]Capability{RoleAgent: {CreateTask("attach_evidence")}}
	guard := NewStaticGuard(grants)
	grants[RoleAgent] = nil
	require.True(t, guard.Can(RoleAgent, CreateTask("attach_evidence")))
}

func TestDefaultGuardRoleMap(t *testing.T) {
	guard := DefaultGuard("create_project", "attach_evidence")

	require.True(t, guard.Can(RoleAdmin, CapReviewEvidence))
	require.True(t, guard.Can(RoleAdmin, CreateTask("create_project")))
	require.True(t, guard.Can(RoleReviewer, CapReviewEvidence))
	require.True(t, guard.Can(RoleAssessor, CreateTask("attach_evidence")))
	require.False(t, guard.Can(RoleAssessor, CapReviewEvidence))
	require.False(t, guard.Can(RoleAgent, CapReviewEvidence))
	require.True(t, guard.Can(RoleAgent, CreateTask("create_project")))
	require.False(t, guard.Can(RoleAgent, CreateTask("unregistered_type")))
}

func TestGuardIsSafeForConcurrentUse(t *testing.T) {
	guard := DefaultGuard("create_project")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				guard.Can(RoleAssessor, CreateTask("create_project"))
				guard.Can(RoleReviewer, CapReviewEvidence)
			}
		}()
	}
	wg.Wait()
}
