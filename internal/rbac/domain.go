package rbac

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Membership links a user to an approver role.
type Membership struct {
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is a role holder considered for assignment.
type Candidate struct {
	UserID    uuid.UUID
	OpenTasks int
}

// NormalizeRole canonicalises role names to upper case without padding.
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}
