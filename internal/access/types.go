// Package access computes the set of documents a user is authorized to
// use as retrieval context. The resolver combines ownership, downward-
// inherited organizational visibility, public documents and explicit
// shares into an AuthorizedSet, which is cached per user with
// immutable-snapshot semantics.
package access

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Visibility is the baseline authorization class of a document.
type Visibility string

const (
	VisibilityPersonal       Visibility = "personal"
	VisibilityOrganizational Visibility = "organizational"
	VisibilityPublic         Visibility = "public"
)

// DocStatus is the lifecycle status of a document. Deleted documents
// are excluded from retrieval regardless of any grant.
type DocStatus string

const (
	StatusActive   DocStatus = "active"
	StatusArchived DocStatus = "archived"
	StatusDeleted  DocStatus = "deleted"
)

// Permission is an ordered grant level. Higher levels include lower
// ones; when multiple grants apply, the most permissive wins.
type Permission int

const (
	PermissionRead Permission = iota + 1
	PermissionWrite
	PermissionAdmin
)

// String implements fmt.Stringer for logging.
func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ShareTarget is the kind of principal a share names.
type ShareTarget string

const (
	ShareTargetUser         ShareTarget = "user"
	ShareTargetOrganization ShareTarget = "organization"
	ShareTargetPublic       ShareTarget = "public"
)

var (
	// ErrUnauthorized indicates the resolved set excludes a requested
	// document. It is never silently substituted with public content.
	ErrUnauthorized = errors.New("document not authorized for user")

	// ErrNotFound indicates a referenced entity is absent.
	ErrNotFound = errors.New("not found")
)

// Document carries the fields the resolver needs; content and chunks
// live behind the index gateway and the store.
type Document struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	OrgID      *uuid.UUID
	Visibility Visibility
	Status     DocStatus
	Category   string
	Tags       []string
	UpdatedAt  time.Time
}

// Share is an explicit grant on a document. Expired shares are inert.
type Share struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	TargetKind ShareTarget
	TargetID   *uuid.UUID
	Permission Permission
	ExpiresAt  *time.Time
}

// Expired reports whether the share is inert at the given instant.
func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Membership links a user to an organization. At most one membership
// per user is primary.
type Membership struct {
	UserID  uuid.UUID
	OrgID   uuid.UUID
	Role    string
	Primary bool
}

// AuthorizedSet is the derived, short-lived set of document ids a user
// may read, with the per-document grant level. It is immutable once
// published: the resolver builds a fresh set and swaps it into the
// cache, so readers never observe partial state.
type AuthorizedSet struct {
	UserID  uuid.UUID
	Version uint64
	grants  map[uuid.UUID]Permission
}

// Contains reports whether the document is readable.
func (a *AuthorizedSet) Contains(docID uuid.UUID) bool {
	if a == nil {
		return false
	}
	_, ok := a.grants[docID]
	return ok
}

// Level returns the grant level for the document.
func (a *AuthorizedSet) Level(docID uuid.UUID) (Permission, bool) {
	if a == nil {
		return 0, false
	}
	p, ok := a.grants[docID]
	return p, ok
}

// Len returns the number of authorized documents.
func (a *AuthorizedSet) Len() int {
	if a == nil {
		return 0
	}
	return len(a.grants)
}

// DocumentIDs returns the authorized document ids in unspecified order.
func (a *AuthorizedSet) DocumentIDs() []uuid.UUID {
	if a == nil {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(a.grants))
	for id := range a.grants {
		ids = append(ids, id)
	}
	return ids
}

// grant records a permission, upgrading only. Most-permissive-wins for
// documents reachable through multiple grants.
func (a *AuthorizedSet) grant(docID uuid.UUID, p Permission) {
	if cur, ok := a.grants[docID]; !ok || p > cur {
		a.grants[docID] = p
	}
}
