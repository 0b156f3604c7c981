package rbac

import (
	"testing"
)

func TestHighestRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  string
	}{
		{name: "пустой набор", roles: nil, want: ""},
		{name: "один operator", roles: []string{RoleOperator}, want: RoleOperator},
		{name: "один viewer", roles: []string{RoleViewer}, want: RoleViewer},
		{name: "operator + viewer", roles: []string{RoleOperator, RoleViewer}, want: RoleOperator},
		{name: "viewer + operator", roles: []string{RoleViewer, RoleOperator}, want: RoleOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HighestRole(tt.roles)
			if got != tt.want {
				t.Errorf("HighestRole(%v) = %q, хотели %q", tt.roles, got, tt.want)
			}
		})
	}
}

func TestMapToRole(t *testing.T) {
	operators := []string{"field-integrator-admin", "devops"}
	viewers := []string{"field-integrator-viewer"}

	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{name: "роль admin -> operator", names: []string{"field-integrator-admin"}, want: RoleOperator},
		{name: "группа devops -> operator", names: []string{"offline_access", "devops"}, want: RoleOperator},
		{name: "роль viewer -> viewer", names: []string{"field-integrator-viewer"}, want: RoleViewer},
		{name: "обе -> operator (max)", names: []string{"field-integrator-viewer", "field-integrator-admin"}, want: RoleOperator},
		{name: "нет совпадений", names: []string{"uma_authorization"}, want: ""},
		{name: "пустой набор", names: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapToRole(tt.names, operators, viewers)
			if got != tt.want {
				t.Errorf("MapToRole(%v, ...) = %q, хотели %q", tt.names, got, tt.want)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	tests := []struct {
		have, need string
		want       bool
	}{
		{RoleOperator, RoleOperator, true},
		{RoleOperator, RoleViewer, true},
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleOperator, false},
		{"", RoleViewer, false},
		{"superadmin", RoleViewer, false},
	}

	for _, tt := range tests {
		t.Run(tt.have+"->"+tt.need, func(t *testing.T) {
			if got := Allows(tt.have, tt.need); got != tt.want {
				t.Errorf("Allows(%q, %q) = %v, хотели %v", tt.have, tt.need, got, tt.want)
			}
		})
	}
}

func TestIsValidRole(t *testing.T) {
	for role, want := range map[string]bool{
		RoleOperator: true,
		RoleViewer:   true,
		"admin":      false,
		"":           false,
	} {
		if got := IsValidRole(role); got != want {
			t.Errorf("IsValidRole(%q) = %v, хотели %v", role, got, want)
		}
	}
}
