package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer submit", role: RoleViewer, action: ActionSubmit, allow: false},
		{name: "viewer review", role: RoleViewer, action: ActionReview, allow: false},
		{name: "submitter submit", role: RoleSubmitter, action: ActionSubmit, allow: true},
		{name: "submitter review", role: RoleSubmitter, action: ActionReview, allow: false},
		{name: "curator review", role: RoleCurator, action: ActionReview, allow: true},
		{name: "curator admin", role: RoleCurator, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeDefaultsToViewer(t *testing.T) {
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
	if got := Normalize("curator"); got != RoleCurator {
		t.Fatalf("Normalize(curator) = %q, want curator", got)
	}
}
