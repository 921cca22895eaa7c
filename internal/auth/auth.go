// Package auth turns bearer tokens into an Identity carrying the
// permission set the lifecycle engine checks.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actions that combine with a topic ("tasks", "complaints") into a
// permission string such as "tasks.assign".
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionAssign  = "assign"
	ActionWork    = "work"
	ActionApprove = "approve"
	ActionDelete  = "delete"
	ActionUnpost  = "unpost"
	ActionReopen  = "reopen"
)

var topics = []string{"tasks", "complaints"}

// Permission joins a topic and an action.
func Permission(topic, action string) string {
	return topic + "." + action
}

// RolePresets maps role names to the actions they grant on every topic.
var RolePresets = map[string][]string{
	"admin":     {ActionCreate, ActionRead, ActionAssign, ActionWork, ActionApprove, ActionDelete, ActionUnpost, ActionReopen},
	"manager":   {ActionCreate, ActionRead, ActionAssign, ActionApprove, ActionDelete, ActionUnpost, ActionReopen},
	"developer": {ActionRead, ActionWork},
}

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	Username    string
	RoleName    string
	Permissions map[string]struct{}
}

// NewIdentity builds an identity. When perms is empty the role preset, if
// any, supplies the permission set.
func NewIdentity(userID, username, role string, perms []string) Identity {
	id := Identity{
		UserID:      userID,
		Username:    username,
		RoleName:    role,
		Permissions: make(map[string]struct{}),
	}
	if len(perms) == 0 {
		for _, action := range RolePresets[role] {
			for _, t := range topics {
				perms = append(perms, Permission(t, action))
			}
		}
	}
	for _, p := range perms {
		id.Permissions[p] = struct{}{}
	}
	return id
}

// Has reports whether the identity holds perm.
func (i Identity) Has(perm string) bool {
	_, ok := i.Permissions[perm]
	return ok
}

// PermissionList returns the permissions sorted.
func (i Identity) PermissionList() []string {
	out := make([]string, 0, len(i.Permissions))
	for p := range i.Permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// System is the identity background jobs act as.
func System() Identity {
	return NewIdentity("system", "system", "admin", nil)
}

type claims struct {
	jwt.RegisteredClaims
	Username    string   `json:"username,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"perms,omitempty"`
}

// ParseToken validates an HS256 token and returns its identity.
func ParseToken(secret, token string) (Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return Identity{}, errors.New("auth: jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("auth: parse token: %w", err)
	}
	if !parsed.Valid {
		return Identity{}, errors.New("auth: invalid token")
	}
	if c.Subject == "" {
		return Identity{}, errors.New("auth: subject claim required")
	}
	return NewIdentity(c.Subject, c.Username, c.Role, c.Permissions), nil
}

// IssueToken signs a token for id valid for ttl. Explicit permissions are
// only embedded when they differ from the role preset.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth: jwt secret not configured")
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: id.Username,
		Role:     id.RoleName,
	}
	preset := NewIdentity(id.UserID, id.Username, id.RoleName, nil)
	if !samePermissions(preset, id) {
		c.Permissions = id.PermissionList()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func samePermissions(a, b Identity) bool {
	if len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for p := range a.Permissions {
		if !b.Has(p) {
			return false
		}
	}
	return true
}

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored on ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
