// Package access enforces branch-scoped authorization for order operations.
package access

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

// AssertBranchAccess allows admins everywhere and everyone else only on
// their own branch.
func AssertBranchAccess(actor domain.Actor, targetBranchID string) error {
	if strings.EqualFold(actor.Role, domain.RoleAdmin) {
		return nil
	}
	target := strings.TrimSpace(targetBranchID)
	if target == "" || actor.BranchID == "" || actor.BranchID != target {
		return fmt.Errorf("%w: user %q has no access to branch %q", ErrForbidden, actor.Username, target)
	}
	return nil
}
