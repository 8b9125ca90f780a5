package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleOperator) {
		t.Fatalf("viewer should not satisfy operator")
	}
	if !HasAtLeast([]string{" Operator "}, RoleViewer) {
		t.Fatalf("operator should satisfy viewer")
	}
	if !HasAtLeast([]string{"admin"}, RoleOperator) {
		t.Fatalf("admin should satisfy operator")
	}
	if HasAtLeast([]string{"admin"}, "root") {
		t.Fatalf("unknown role should never be satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/v1/plans/p1", RoleViewer},
		{http.MethodPost, "/v1/plans/p1/interrupts", RoleOperator},
		{http.MethodGet, "/v1/admin/redrive", RoleAdmin},
		{http.MethodPost, "/v1/admin/redrive", RoleAdmin},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, "http://example.test"+tc.path, nil)
		if got := RequiredRoleForRequest(req); got != tc.want {
			t.Fatalf("RequiredRoleForRequest(%s %s)=%q, want %q", tc.method, tc.path, got, tc.want)
		}
	}
}
