package middleware

import (
	"fmt"
	"strings"
)

// Roles recognised by the assessment API. Anything else is treated as a learner.
const (
	RoleStudent = "student"
	RoleStaff   = "staff"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// StaffRoles lists the roles allowed to act as course staff.
func StaffRoles() []string {
	return []string{RoleStaff, RoleTeacher, RoleAdmin}
}

// IsStaff reports whether role grants course staff permissions.
func IsStaff(role string) bool {
	role = normalizeRoleValue(role)
	for _, staff := range StaffRoles() {
		if role == staff {
			return true
		}
	}
	return false
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
