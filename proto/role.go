package proto

import (
	"fmt"
	"strings"
)

// Role is the position a device holds in its kingdom.
type Role uint8

const (
	RoleStopped Role = iota
	RoleFree
	RoleKing
	RolePrince
	RolePeasant
)

var roleNames = map[Role]string{
	RoleStopped: "Stopped",
	RoleFree:    "Free",
	RoleKing:    "King",
	RolePrince:  "Prince",
	RolePeasant: "Peasant",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Follower reports whether r is bound to a King.
func (r Role) Follower() bool {
	return r == RolePrince || r == RolePeasant
}

func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return role, nil
		}
	}
	return RoleStopped, fmt.Errorf("proto: unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("proto: invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}
