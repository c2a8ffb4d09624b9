package models

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleStudent   Role = "student"
	RoleProfessor Role = "professor"
	RoleAdmin     Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStudent, RoleProfessor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the authenticated caller as supplied by the identity provider.
type Identity struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// CanManage reports whether the caller may act on a reservation owned by ownerID.
func (i Identity) CanManage(ownerID int64) bool {
	return i.IsAdmin() || (i.UserID != 0 && i.UserID == ownerID)
}
