package rbac

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository is the role membership store.
type Repository interface {
	UserRoles(ctx context.Context, userID uuid.UUID) ([]string, error)
	// Candidates lists role holders with their count of open approval tasks.
	Candidates(ctx context.Context, role string) ([]Candidate, error)
	Assign(ctx context.Context, userID uuid.UUID, role string) (Membership, error)
	Remove(ctx context.Context, userID uuid.UUID, role string) error
	Members(ctx context.Context, role string) ([]Membership, error)
}

// AuditRecorder persists membership changes outside of a domain transaction.
type AuditRecorder interface {
	Record(ctx context.Context, entry shared.AuditEntry) error
}

// Directory resolves approvers from role membership.
type Directory struct {
	repo  Repository
	audit AuditRecorder
}

// NewDirectory constructs a Directory backed by repo. audit may be nil.
func NewDirectory(repo Repository, audit AuditRecorder) *Directory {
	return &Directory{repo: repo, audit: audit}
}

// ResolveAssignee picks the role holder with the fewest open tasks, skipping
// excluded users. Ties go to the lowest user ID so assignment is stable.
func (d *Directory) ResolveAssignee(ctx context.Context, role string, exclude ...uuid.UUID) (uuid.UUID, error) {
	role = NormalizeRole(role)
	candidates, err := d.repo.Candidates(ctx, role)
	if err != nil {
		return uuid.Nil, err
	}
	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	eligible := candidates[:0:0]
	for _, c := range candidates {
		if _, ok := skip[c.UserID]; !ok {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return uuid.Nil, shared.PolicyViolation("rbac.ResolveAssignee", "no eligible user holds role %s", role)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].OpenTasks != eligible[j].OpenTasks {
			return eligible[i].OpenTasks < eligible[j].OpenTasks
		}
		return strings.Compare(eligible[i].UserID.String(), eligible[j].UserID.String()) < 0
	})
	return eligible[0].UserID, nil
}

// HasRole reports whether the user holds role.
func (d *Directory) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	roles, err := d.repo.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	return hasAnyRole(roles, []string{NormalizeRole(role)}), nil
}

// Roles returns the user's roles.
func (d *Directory) Roles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	return d.repo.UserRoles(ctx, userID)
}

// Members lists holders of role.
func (d *Directory) Members(ctx context.Context, role string) ([]Membership, error) {
	return d.repo.Members(ctx, NormalizeRole(role))
}

// Assign grants role to the user.
func (d *Directory) Assign(ctx context.Context, userID uuid.UUID, role string) (Membership, error) {
	role = NormalizeRole(role)
	if role == "" {
		return Membership{}, shared.Validation("rbac.Assign", "role name required")
	}
	m, err := d.repo.Assign(ctx, userID, role)
	if err != nil {
		return Membership{}, err
	}
	return m, d.record(ctx, shared.AuditRoleGranted, userID, role)
}

// Remove revokes role from the user.
func (d *Directory) Remove(ctx context.Context, userID uuid.UUID, role string) error {
	role = NormalizeRole(role)
	if err := d.repo.Remove(ctx, userID, role); err != nil {
		return err
	}
	return d.record(ctx, shared.AuditRoleRevoked, userID, role)
}

func (d *Directory) record(ctx context.Context, action string, userID uuid.UUID, role string) error {
	if d.audit == nil {
		return nil
	}
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		actor = shared.SystemActor
	}
	return d.audit.Record(ctx, shared.AuditEntry{
		ActorID:  actor,
		Action:   action,
		Entity:   "user_role",
		EntityID: userID.String(),
		Meta:     map[string]any{"role": role},
	})
}

func normalizeRoles(roles []string) []string {
	unique := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = NormalizeRole(r)
		if r == "" {
			continue
		}
		unique[r] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for r := range unique {
		normalized = append(normalized, r)
	}
	sort.Strings(normalized)
	return normalized
}

func hasAnyRole(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, r := range granted {
		set[NormalizeRole(r)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
