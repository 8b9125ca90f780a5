package postgres

import (
	"strings"
	"testing"
)

func TestNodeExecutionWritesAreVersionGuarded(t *testing.T) {
	if !strings.Contains(updateNodeExecutionQuery, "version = $11") {
		t.Fatalf("expected version predicate in update query")
	}
	if !strings.Contains(updateNodeExecutionQuery, "version = version + 1") {
		t.Fatalf("expected version bump in update query")
	}
	if !strings.Contains(insertNodeExecutionQuery, "ON CONFLICT (runtime_id) DO NOTHING") {
		t.Fatalf("expected idempotent insert for node executions")
	}
}

func TestStaleQueriesPageByKeyset(t *testing.T) {
	for name, query := range map[string]string{
		"unpropagated": listUnpropagatedNodeExecutionsQuery,
		"live":         listLiveNodeExecutionsQuery,
	} {
		if !strings.Contains(query, "(updated_at, runtime_id) > ($2, $3)") {
			t.Fatalf("%s: expected keyset predicate", name)
		}
		if !strings.Contains(query, "ORDER BY updated_at ASC, runtime_id ASC") {
			t.Fatalf("%s: expected keyset ordering", name)
		}
	}
	if !strings.Contains(listUnpropagatedNodeExecutionsQuery, "propagated_status <> status") {
		t.Fatalf("expected unpropagated filter")
	}
	if !strings.Contains(listLiveNodeExecutionsQuery, "propagated_status = status") {
		t.Fatalf("expected live query to leave out unpropagated nodes")
	}
}

func TestInterruptQueriesOrderByRegistration(t *testing.T) {
	if !strings.Contains(nextPendingInterruptQuery, "ORDER BY seq ASC") || strings.Contains(nextPendingInterruptQuery, "created_at ASC") {
		t.Fatalf("expected pending query ordered by seq alone")
	}
	if !strings.Contains(updateInterruptStateQuery, "state = $6") {
		t.Fatalf("expected state guard in interrupt update")
	}
	if !strings.Contains(claimPlanQuery, "expires_at <= now()") {
		t.Fatalf("expected lease expiry check in claim query")
	}
	if !strings.Contains(claimPlanQuery, "owner = EXCLUDED.owner") {
		t.Fatalf("expected owner re-entry in claim query")
	}
	if !strings.Contains(claimPlanQuery, "token = interrupt_claims.token + 1") {
		t.Fatalf("expected every claim to advance the token")
	}
	if !strings.Contains(renewPlanQuery, "token = $3") || !strings.Contains(releasePlanQuery, "token = $3") {
		t.Fatalf("expected renew and release to be fenced by token")
	}
}

func TestGraphSaveIsCompareAndSet(t *testing.T) {
	if !strings.Contains(casGraphQuery, "cache_context_order = $4") {
		t.Fatalf("expected cache context order predicate")
	}
	if !strings.Contains(insertGraphQuery, "DO NOTHING") {
		t.Fatalf("expected insert to refuse existing graphs")
	}
}

func TestApprovalUpdateIsVersionGuarded(t *testing.T) {
	if !strings.Contains(updateApprovalQuery, "version = $4") {
		t.Fatalf("expected version predicate in approval update")
	}
	if !strings.Contains(listWaitingApprovalsQuery, "status = 'WAITING'") {
		t.Fatalf("expected WAITING filter in approval list")
	}
}
