package domain

import "strings"

// Role определяет права вызывающей стороны.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
)

// ParseRole разбирает роль без учёта регистра и префикса ROLE_.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "ROLE_"))
	switch r {
	case RoleClient, RoleSeller, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Principal хранит проверенную пару {userId, role}, которую выдаёт внешний слой аутентификации.
type Principal struct {
	UserID string
	Role   Role
}

// SystemPrincipal используется фоновыми планировщиками.
var SystemPrincipal = Principal{UserID: "system", Role: RoleAdmin}

// Is проверяет роль.
func (p Principal) Is(role Role) bool {
	return p.Role == role
}

// Owns сообщает, принадлежит ли ресурс пользователю.
func (p Principal) Owns(userID string) bool {
	return p.UserID != "" && p.UserID == userID
}

// RequireRole возвращает ErrForbidden, если роль не совпадает.
func (p Principal) RequireRole(role Role) error {
	if p.UserID == "" || p.Role != role {
		return ErrForbidden
	}
	return nil
}
