// Package approval manages operator approvals for scheduled remediations.
//
// An approval grant authorises executions of one schedule (or of every
// schedule running a given action) until it expires or is revoked. The
// scheduler consults the registry when a schedule or its action requires
// approval and the firing carries no explicit approver.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

var (
	ErrNotFound = errors.New("approval: grant not found")
	ErrInvalid  = errors.New("approval: invalid grant")
)

// Grant authorises executions of a schedule or an action.
type Grant struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	ActionID   string    `json:"action_id,omitempty"`
	ApprovedBy string    `json:"approved_by"`
	Reason     string    `json:"reason,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	// Uses is how many executions the grant still covers. Zero is unlimited.
	Uses int `json:"uses,omitempty"`
}

// Registry stores approval grants.
type Registry struct {
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewRegistry creates a Registry. Grants without an expiry live for defaultTTL.
func NewRegistry(defaultTTL time.Duration, logger *zap.Logger) *Registry {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Registry{
		defaultTTL: defaultTTL,
		logger:     logging.OrNop(logger).Named("approval"),
		now:        time.Now,
		grants:     make(map[string]*Grant),
	}
}

// Grant registers a new approval after validating it.
func (r *Registry) Grant(ctx context.Context, g Grant) (*Grant, error) {
	if g.ApprovedBy == "" {
		return nil, fmt.Errorf("%w: approved_by is required", ErrInvalid)
	}
	if g.ScheduleID == "" && g.ActionID == "" {
		return nil, fmt.Errorf("%w: schedule_id or action_id is required", ErrInvalid)
	}
	if g.Uses < 0 {
		return nil, fmt.Errorf("%w: uses must not be negative", ErrInvalid)
	}

	now := r.now().UTC()
	if !g.ExpiresAt.IsZero() && !g.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalid)
	}
	if g.ExpiresAt.IsZero() {
		g.ExpiresAt = now.Add(r.defaultTTL)
	}
	if g.ID == "" {
		g.ID = "ap-" + uuid.NewString()
	}
	g.GrantedAt = now

	r.mu.Lock()
	r.grants[g.ID] = &g
	r.mu.Unlock()

	r.logger.Info("approval granted",
		zap.String("grant_id", g.ID),
		zap.String("schedule_id", g.ScheduleID),
		zap.String("action_id", g.ActionID),
		zap.String("approved_by", g.ApprovedBy),
		zap.Time("expires_at", g.ExpiresAt))
	cp := g
	return &cp, nil
}

// Get retrieves a grant by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *g
	return &cp, nil
}

// List returns every unexpired grant, oldest first.
func (r *Registry) List(ctx context.Context) []*Grant {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Grant, 0, len(r.grants))
	for _, g := range r.grants {
		if now.After(g.ExpiresAt) {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

// Revoke removes a grant.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.grants[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.grants, id)
	r.logger.Info("approval revoked", zap.String("grant_id", id))
	return nil
}

// Consume looks for a live grant covering scheduleID or actionID. A schedule
// grant wins over an action grant. Limited grants are decremented and removed
// once used up. It returns the approver, or "" when nothing covers the
// execution.
func (r *Registry) Consume(ctx context.Context, scheduleID, actionID string) string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var match *Grant
	for id, g := range r.grants {
		if now.After(g.ExpiresAt) {
			delete(r.grants, id)
			continue
		}
		switch {
		case scheduleID != "" && g.ScheduleID == scheduleID:
			if match == nil || match.ScheduleID == "" || g.GrantedAt.Before(match.GrantedAt) {
				match = g
			}
		case g.ScheduleID == "" && actionID != "" && g.ActionID == actionID:
			if match == nil {
				match = g
			}
		}
	}
	if match == nil {
		return ""
	}

	if match.Uses > 0 {
		match.Uses--
		if match.Uses == 0 {
			delete(r.grants, match.ID)
		}
	}
	return match.ApprovedBy
}

// PruneExpired drops expired grants and returns how many were removed.
func (r *Registry) PruneExpired(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, g := range r.grants {
		if now.After(g.ExpiresAt) {
			delete(r.grants, id)
			n++
		}
	}
	return n
}
