package changebus

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/orgfeed/pkg/errs"
	"github.com/platinummonkey/orgfeed/pkg/events"
)

// EntityKind is the kind of entity that changed
type EntityKind string

const (
	KindPost    EntityKind = "post"
	KindComment EntityKind = "comment"
	KindMember  EntityKind = "member"
	KindRole    EntityKind = "role"
	KindTier    EntityKind = "tier"

	// KindResync tells a subscriber it may have missed signals and should
	// re-bootstrap
	KindResync EntityKind = "resync"
)

// ChangeType is what happened to the entity
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
	ChangeChanged ChangeType = "changed"
)

// ChangeSignal notifies subscribers of an organization that an entity
// changed
type ChangeSignal struct {
	OrganizationID string     `json:"organizationId"`
	EntityKind     EntityKind `json:"entityKind"`
	EntityID       string     `json:"entityId,omitempty"`
	ChangeType     ChangeType `json:"changeType"`
}

// Resync returns the signal that asks subscribers of orgID to re-bootstrap
func Resync(orgID string) ChangeSignal {
	return ChangeSignal{OrganizationID: orgID, EntityKind: KindResync, ChangeType: ChangeChanged}
}

// Key identifies the entity a signal is about within its organization
func (s ChangeSignal) Key() string {
	return string(s.EntityKind) + ":" + s.EntityID
}

// Validate checks the signal is well formed
func (s ChangeSignal) Validate() error {
	if s.OrganizationID == "" {
		return fmt.Errorf("%w: signal without organization", errs.ErrInvalidInput)
	}
	switch s.EntityKind {
	case KindPost, KindComment, KindMember, KindRole, KindTier:
		if s.EntityID == "" {
			return fmt.Errorf("%w: %s signal without entity id", errs.ErrInvalidInput, s.EntityKind)
		}
	case KindResync:
	default:
		return fmt.Errorf("%w: unknown entity kind %q", errs.ErrInvalidInput, s.EntityKind)
	}
	switch s.ChangeType {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeChanged:
	default:
		return fmt.Errorf("%w: unknown change type %q", errs.ErrInvalidInput, s.ChangeType)
	}
	return nil
}

// FromEvent converts a domain event into the signal subscribers receive.
// It reports false for events that no session needs to hear about.
func FromEvent(evt events.DomainEvent) (ChangeSignal, bool) {
	sig := ChangeSignal{
		OrganizationID: evt.OrganizationID,
		EntityKind:     EntityKind(evt.EntityKind),
		EntityID:       evt.EntityID,
	}
	if evt.OrganizationID == "" || evt.EntityID == "" {
		return sig, false
	}

	switch sig.EntityKind {
	case KindPost, KindComment, KindMember, KindRole, KindTier:
	default:
		return sig, false
	}

	typ := string(evt.Type)
	switch {
	case strings.HasSuffix(typ, ".created"):
		sig.ChangeType = ChangeCreated
	case strings.HasSuffix(typ, ".updated"):
		sig.ChangeType = ChangeUpdated
	case strings.HasSuffix(typ, ".deleted"):
		sig.ChangeType = ChangeDeleted
	default:
		sig.ChangeType = ChangeChanged
	}
	return sig, true
}
