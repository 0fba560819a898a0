package domain

import "fmt"

// HasRole 查询角色（含本事务未提交的变更）
func (tx *Tx) HasRole(principal string, role Role) bool {
	if r, ok := tx.roles[RoleKey{Principal: principal, Role: role}]; ok {
		return r != nil
	}
	return tx.s.HasRole(principal, role)
}

func (tx *Tx) requireRole(caller string, role Role) error {
	if caller == "" || !tx.HasRole(caller, role) {
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, role)
	}
	return nil
}

// GrantRole 授予角色，仅 Admin 可调用；重复授予为空操作
func (tx *Tx) GrantRole(caller, principal string, role Role) error {
	if err := tx.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	return tx.ProvisionRole(caller, principal, role)
}

// RevokeRole 撤销角色，仅 Admin 可调用；未持有时为空操作
func (tx *Tx) RevokeRole(caller, principal string, role Role) error {
	if err := tx.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if !tx.HasRole(principal, role) {
		return nil
	}
	tx.roles[RoleKey{Principal: principal, Role: role}] = nil
	tx.emit(RoleRevokedEvent{BaseEvent: tx.base(principal), Role: role, RevokedBy: caller})
	return nil
}

// ProvisionRole 由外部身份配置写入角色，不做调用方校验，仅供启动引导使用
func (tx *Tx) ProvisionRole(grantedBy, principal string, role Role) error {
	if principal == "" {
		return fmt.Errorf("%w: principal is required", ErrInvalidRequest)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if tx.HasRole(principal, role) {
		return nil
	}
	tx.roles[RoleKey{Principal: principal, Role: role}] = &RoleAssignment{
		Principal: principal,
		Role:      role,
		GrantedBy: grantedBy,
		GrantedAt: tx.now,
	}
	tx.emit(RoleGrantedEvent{BaseEvent: tx.base(principal), Role: role, GrantedBy: grantedBy})
	return nil
}
