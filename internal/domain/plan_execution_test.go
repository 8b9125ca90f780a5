package domain

import "testing"

func TestDerivePlanStatus(t *testing.T) {
	root := &NodeExecution{RuntimeID: "root", Status: StatusRunning}
	cases := []struct {
		name   string
		root   *NodeExecution
		nodes  []NodeExecution
		want   Status
		wantOK bool
	}{
		{
			name:   "terminal root wins",
			root:   &NodeExecution{RuntimeID: "root", Status: StatusFailed},
			nodes:  []NodeExecution{{Status: StatusApprovalWaiting}},
			want:   StatusFailed,
			wantOK: true,
		},
		{
			name:   "approval beats running",
			root:   root,
			nodes:  []NodeExecution{{Status: StatusRunning}, {Status: StatusApprovalWaiting}},
			want:   StatusApprovalWaiting,
			wantOK: true,
		},
		{
			name:   "input waiting beats running",
			root:   root,
			nodes:  []NodeExecution{{Status: StatusQueued}, {Status: StatusInputWaiting}},
			want:   StatusInputWaiting,
			wantOK: true,
		},
		{
			name:   "old retries ignored",
			root:   root,
			nodes:  []NodeExecution{{Status: StatusApprovalWaiting, OldRetry: true}, {Status: StatusRunning}},
			want:   StatusRunning,
			wantOK: true,
		},
		{
			name:   "only paused",
			root:   root,
			nodes:  []NodeExecution{{Status: StatusPaused}, {Status: StatusSucceeded}},
			want:   StatusPaused,
			wantOK: true,
		},
		{
			name:   "nothing live",
			root:   root,
			nodes:  []NodeExecution{{Status: StatusSucceeded}},
			wantOK: false,
		},
	}
	for _, tc := range cases {
		got, ok := DerivePlanStatus(tc.root, tc.nodes)
		if ok != tc.wantOK || got != tc.want {
			t.Fatalf("%s: expected %s/%v got %s/%v", tc.name, tc.want, tc.wantOK, got, ok)
		}
	}
}

func TestCanMovePlan(t *testing.T) {
	if !CanMovePlan(StatusApprovalWaiting, StatusRunning) {
		t.Fatalf("expected approval -> running to be allowed for plans")
	}
	if CanMovePlan(StatusSucceeded, StatusRunning) {
		t.Fatalf("terminal plan must be frozen")
	}
	if CanMovePlan(StatusRunning, StatusQueued) {
		t.Fatalf("plan must not return to queued")
	}
}

func TestApprovalStatusNodeMapping(t *testing.T) {
	cases := map[ApprovalStatus]Status{
		ApprovalApproved: StatusSucceeded,
		ApprovalRejected: StatusFailed,
		ApprovalExpired:  StatusExpired,
		ApprovalFailed:   StatusErrored,
		ApprovalAborted:  StatusAborted,
	}
	for in, want := range cases {
		got, ok := in.NodeStatus()
		if !ok || got != want {
			t.Fatalf("%s: expected %s got %s", in, want, got)
		}
	}
	if _, ok := ApprovalWaiting.NodeStatus(); ok {
		t.Fatalf("WAITING must not map to a node status")
	}
}

func TestInterruptValidate(t *testing.T) {
	if err := (Interrupt{PlanExecutionID: "p", Type: InterruptAbortAll}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Interrupt{PlanExecutionID: "p", Type: InterruptRetry}).Validate(); err == nil {
		t.Fatalf("expected RETRY without target to fail")
	}
	if _, err := ParseInterruptType("abort_all"); err != nil {
		t.Fatalf("ParseInterruptType: %v", err)
	}
}
