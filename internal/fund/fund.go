// Package fund defines the tracked fund and group entities and their storage contracts.
package fund

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/quote"
)

// Fund is a tracked mutual fund together with its latest estimate.
type Fund struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	ChangeRate   decimal.Decimal `json:"changeRate"`
	NetValue     decimal.Decimal `json:"netValue"`
	NetValueDate string          `json:"netValueDate,omitempty"`
	UpdateTime   string          `json:"updateTime,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	IsUpdating   bool            `json:"isUpdating"`
	LastError    string          `json:"lastError,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ApplyQuote copies the estimate fields of q onto the fund and clears LastError.
func (f *Fund) ApplyQuote(q quote.Quote, now time.Time) {
	if q.Name != "" {
		f.Name = q.Name
	}
	f.CurrentValue = q.EstimatedValue
	f.ChangeRate = q.EstimatedChange
	f.NetValue = q.NetValue
	f.NetValueDate = q.NetValueDate
	f.UpdateTime = q.EstimatedAt
	f.LastError = ""
	f.UpdatedAt = now.UTC()
}

// Group is a named collection of funds.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FundCount int    `json:"fundCount"`
}

// Mutation edits a fund in place inside Store.Update.
type Mutation func(*Fund) error

// Store persists funds.
type Store interface {
	List(ctx context.Context) ([]Fund, error)
	FindByID(ctx context.Context, id string) (Fund, error)
	FindByCode(ctx context.Context, code string) (Fund, error)
	Create(ctx context.Context, f Fund) (Fund, error)
	Update(ctx context.Context, id string, mutate Mutation) (Fund, error)
	Delete(ctx context.Context, id string) error
}

// GroupStore persists groups. Deleting a group ungroups its funds.
type GroupStore interface {
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name string) (Group, error)
	RenameGroup(ctx context.Context, id, name string) (Group, error)
	DeleteGroup(ctx context.Context, id string) error
}

// Repository combines both stores, as every backend implements them together.
type Repository interface {
	Store
	GroupStore
	Close() error
}

// NormalizeGroupName trims name and rejects blanks.
func NormalizeGroupName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errs.New("fund/group", errs.CodeInvalid, errs.WithMessage("group name required"))
	}
	return trimmed, nil
}

// FilterByGroup returns the funds in groupID, or all funds when groupID is blank.
func FilterByGroup(funds []Fund, groupID string) []Fund {
	if strings.TrimSpace(groupID) == "" {
		return funds
	}
	out := make([]Fund, 0, len(funds))
	for _, f := range funds {
		if f.GroupID == groupID {
			out = append(out, f)
		}
	}
	return out
}

// CountByGroup fills FundCount on each group from funds.
func CountByGroup(groups []Group, funds []Fund) []Group {
	counts := make(map[string]int, len(groups))
	for _, f := range funds {
		if f.GroupID != "" {
			counts[f.GroupID]++
		}
	}
	for i := range groups {
		groups[i].FundCount = counts[groups[i].ID]
	}
	return groups
}

// NotFound builds the not_found error used by every backend.
func NotFound(kind, key string) error {
	return errs.New("fund/store", errs.CodeNotFound,
		errs.WithMessage(kind+" not found"),
		errs.WithField(kind, key))
}

// Duplicate builds the conflict error used by every backend.
func Duplicate(kind, key string) error {
	return errs.New("fund/store", errs.CodeConflict,
		errs.WithMessage(kind+" already exists"),
		errs.WithField(kind, key))
}
