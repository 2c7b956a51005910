package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/visibility"
)

// Checker answers permission and visibility standing questions against the
// current authorization state
type Checker struct {
	store *Store
	log   logrus.FieldLogger
}

// NewChecker creates a new permission checker
func NewChecker(store *Store, log logrus.FieldLogger) *Checker {
	if log == nil {
		log = logrus.New()
	}
	return &Checker{store: store, log: log}
}

// WithTx returns a checker that reads through tx
func (c *Checker) WithTx(tx *sql.Tx) *Checker {
	return &Checker{store: c.store.WithTx(tx), log: c.log}
}

// Store returns the backing store
func (c *Checker) Store() *Store {
	return c.store
}

// HasPermission reports whether userID's role in orgID grants key.
// Non-members hold no permissions. Lookup failures deny and are logged.
func (c *Checker) HasPermission(ctx context.Context, userID, orgID string, key PermissionKey) bool {
	ok, err := c.CheckPermission(ctx, userID, orgID, key)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"user_id":    userID,
			"org_id":     orgID,
			"permission": string(key),
		}).Warn("permission check failed, denying")
		return false
	}
	return ok
}

// CheckPermission is HasPermission with lookup errors surfaced. A missing
// membership is not an error.
func (c *Checker) CheckPermission(ctx context.Context, userID, orgID string, key PermissionKey) (bool, error) {
	if userID == "" || orgID == "" {
		return false, nil
	}

	member, err := c.store.GetMember(ctx, orgID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	role, err := c.store.GetRole(ctx, member.RoleID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load role: %w", err)
	}
	return role.Has(key), nil
}

// ResolveViewerContext returns userID's standing in orgID. Unknown users and
// non-members resolve to a context with IsMember false.
func (c *Checker) ResolveViewerContext(ctx context.Context, userID, orgID string) (visibility.ViewerContext, error) {
	viewer := visibility.ViewerContext{UserID: userID, OrganizationID: orgID}
	if userID == "" {
		return viewer, nil
	}

	member, err := c.store.GetMember(ctx, orgID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return viewer, nil
	}
	if err != nil {
		return viewer, err
	}
	return member.ViewerContext(c.store.Now()), nil
}
