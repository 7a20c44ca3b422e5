package fund

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps funds and groups in process memory, preserving insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	funds  map[string]Fund
	order  []string
	groups map[string]Group
	gorder []string
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.funds = make(map[string]Fund)
	store.groups = make(map[string]Group)
	store.now = time.Now
	return store
}

// Seed replaces the store contents, used by snapshot-backed stores on load.
func (s *MemoryStore) Seed(funds []Fund, groups []Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funds = make(map[string]Fund, len(funds))
	s.order = s.order[:0]
	for _, f := range funds {
		if _, dup := s.funds[f.ID]; dup || f.ID == "" {
			continue
		}
		s.funds[f.ID] = f
		s.order = append(s.order, f.ID)
	}
	s.groups = make(map[string]Group, len(groups))
	s.gorder = s.gorder[:0]
	for _, g := range groups {
		if _, dup := s.groups[g.ID]; dup || g.ID == "" {
			continue
		}
		s.groups[g.ID] = g
		s.gorder = append(s.gorder, g.ID)
	}
}

// Snapshot returns copies of all funds and groups in insertion order.
func (s *MemoryStore) Snapshot() ([]Fund, []Group) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	funds := make([]Fund, 0, len(s.order))
	for _, id := range s.order {
		funds = append(funds, s.funds[id])
	}
	groups := make([]Group, 0, len(s.gorder))
	for _, id := range s.gorder {
		groups = append(groups, s.groups[id])
	}
	return funds, groups
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

// List returns all funds in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]Fund, error) {
	if err := checkContext(ctx, "list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Fund, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.funds[id])
	}
	return out, nil
}

// FindByID returns the fund with id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Fund, error) {
	if err := checkContext(ctx, "find"); err != nil {
		return Fund{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funds[id]
	if !ok {
		return Fund{}, NotFound("fund", id)
	}
	return f, nil
}

// FindByCode returns the fund tracking code.
func (s *MemoryStore) FindByCode(ctx context.Context, code string) (Fund, error) {
	if err := checkContext(ctx, "find"); err != nil {
		return Fund{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if f := s.funds[id]; f.Code == code {
			return f, nil
		}
	}
	return Fund{}, NotFound("code", code)
}

// Create inserts f, assigning an ID when blank. Codes are unique.
func (s *MemoryStore) Create(ctx context.Context, f Fund) (Fund, error) {
	if err := checkContext(ctx, "create"); err != nil {
		return Fund{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if s.funds[id].Code == f.Code {
			return Fund{}, Duplicate("code", f.Code)
		}
	}
	if f.GroupID != "" {
		if _, ok := s.groups[f.GroupID]; !ok {
			return Fund{}, NotFound("group", f.GroupID)
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, exists := s.funds[f.ID]; exists {
		return Fund{}, Duplicate("fund", f.ID)
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = s.now().UTC()
	}
	s.funds[f.ID] = f
	s.order = append(s.order, f.ID)
	return f, nil
}

// Update applies mutate to a copy of the fund and stores it when mutate succeeds.
// ID and Code are immutable.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate Mutation) (Fund, error) {
	if err := checkContext(ctx, "update"); err != nil {
		return Fund{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.funds[id]
	if !ok {
		return Fund{}, NotFound("fund", id)
	}
	next := current
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Fund{}, err
		}
	}
	next.ID = current.ID
	next.Code = current.Code
	if next.GroupID != "" && next.GroupID != current.GroupID {
		if _, ok := s.groups[next.GroupID]; !ok {
			return Fund{}, NotFound("group", next.GroupID)
		}
	}
	s.funds[id] = next
	return next, nil
}

// Delete removes the fund with id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := checkContext(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funds[id]; !ok {
		return NotFound("fund", id)
	}
	delete(s.funds, id)
	s.order = removeID(s.order, id)
	return nil
}

// ListGroups returns all groups with fund counts.
func (s *MemoryStore) ListGroups(ctx context.Context) ([]Group, error) {
	if err := checkContext(ctx, "list groups"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]Group, 0, len(s.gorder))
	for _, id := range s.gorder {
		groups = append(groups, s.groups[id])
	}
	funds := make([]Fund, 0, len(s.order))
	for _, id := range s.order {
		funds = append(funds, s.funds[id])
	}
	return CountByGroup(groups, funds), nil
}

// CreateGroup adds a group with a unique trimmed name.
func (s *MemoryStore) CreateGroup(ctx context.Context, name string) (Group, error) {
	if err := checkContext(ctx, "create group"); err != nil {
		return Group{}, err
	}
	trimmed, err := NormalizeGroupName(name)
	if err != nil {
		return Group{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupNameTaken("", trimmed) {
		return Group{}, Duplicate("group", trimmed)
	}
	g := Group{ID: uuid.NewString(), Name: trimmed}
	s.groups[g.ID] = g
	s.gorder = append(s.gorder, g.ID)
	return g, nil
}

// RenameGroup changes the name of group id.
func (s *MemoryStore) RenameGroup(ctx context.Context, id, name string) (Group, error) {
	if err := checkContext(ctx, "rename group"); err != nil {
		return Group{}, err
	}
	trimmed, err := NormalizeGroupName(name)
	if err != nil {
		return Group{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, NotFound("group", id)
	}
	if s.groupNameTaken(id, trimmed) {
		return Group{}, Duplicate("group", trimmed)
	}
	g.Name = trimmed
	s.groups[id] = g
	return g, nil
}

// DeleteGroup removes group id and ungroups its funds.
func (s *MemoryStore) DeleteGroup(ctx context.Context, id string) error {
	if err := checkContext(ctx, "delete group"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return NotFound("group", id)
	}
	delete(s.groups, id)
	s.gorder = removeID(s.gorder, id)
	for fid, f := range s.funds {
		if f.GroupID == id {
			f.GroupID = ""
			s.funds[fid] = f
		}
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) groupNameTaken(exceptID, name string) bool {
	for id, g := range s.groups {
		if id != exceptID && g.Name == name {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
