package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role 角色，扁平集合，无继承关系
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleMinter    Role = "MINTER"
	RoleValidator Role = "VALIDATOR"
)

// ParseRole 解析角色名（大小写不敏感）
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleMinter, RoleValidator:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, s)
	}
}

// RoleKey 角色分配的唯一键
type RoleKey struct {
	Principal string
	Role      Role
}

// RoleAssignment 角色分配记录
type RoleAssignment struct {
	Principal string
	Role      Role
	GrantedBy string
	GrantedAt time.Time
}

func (a *RoleAssignment) Key() RoleKey {
	return RoleKey{Principal: a.Principal, Role: a.Role}
}
