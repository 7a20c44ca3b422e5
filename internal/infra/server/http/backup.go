package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/fundwatch/errs"
)

const backupVersion = "1"

// Backup is the portable watch list: groups by name and funds by code.
// Valuations are not exported; a restore fetches fresh quotes.
type Backup struct {
	Version     string        `json:"version"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Environment string        `json:"environment"`
	Groups      []string      `json:"groups"`
	Funds       []BackupEntry `json:"funds"`
}

// BackupEntry is one tracked fund.
type BackupEntry struct {
	Code  string `json:"code"`
	Name  string `json:"name,omitempty"`
	Group string `json:"group,omitempty"`
}

// RestoreResult reports what happened to one entry during a restore.
type RestoreResult struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	restoreTracked = "tracked"
	restoreSkipped = "skipped"
	restoreFailed  = "failed"
)

func (s *httpServer) buildBackup(ctx context.Context) (Backup, error) {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		return Backup{}, fmt.Errorf("list groups: %w", err)
	}
	funds, err := s.funds.List(ctx)
	if err != nil {
		return Backup{}, fmt.Errorf("list funds: %w", err)
	}

	names := make(map[string]string, len(groups))
	groupNames := make([]string, 0, len(groups))
	for _, g := range groups {
		names[g.ID] = g.Name
		groupNames = append(groupNames, g.Name)
	}
	entries := make([]BackupEntry, 0, len(funds))
	for _, f := range funds {
		entries = append(entries, BackupEntry{Code: f.Code, Name: f.Name, Group: names[f.GroupID]})
	}
	return Backup{
		Version:     backupVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: s.environment,
		Groups:      groupNames,
		Funds:       entries,
	}, nil
}

// applyBackup creates missing groups, then tracks every fund not already
// tracked. Per-fund failures are reported, not fatal.
func (s *httpServer) applyBackup(ctx context.Context, payload Backup) ([]RestoreResult, error) {
	existing, err := s.groups.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	groupIDs := make(map[string]string, len(existing))
	for _, g := range existing {
		groupIDs[g.Name] = g.ID
	}
	ensureGroup := func(name string) (string, error) {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", nil
		}
		if id, ok := groupIDs[name]; ok {
			return id, nil
		}
		g, err := s.groups.CreateGroup(ctx, name)
		if err != nil {
			return "", fmt.Errorf("create group %q: %w", name, err)
		}
		groupIDs[g.Name] = g.ID
		return g.ID, nil
	}

	for _, name := range payload.Groups {
		if _, err := ensureGroup(name); err != nil {
			return nil, err
		}
	}

	results := make([]RestoreResult, 0, len(payload.Funds))
	for _, entry := range payload.Funds {
		code := strings.TrimSpace(entry.Code)
		groupID, err := ensureGroup(entry.Group)
		if err != nil {
			return results, err
		}
		if _, err := s.funds.FindByCode(ctx, code); err == nil {
			results = append(results, RestoreResult{Code: code, Status: restoreSkipped})
			continue
		}
		if _, err := s.engine.Track(ctx, code, groupID); err != nil {
			if errs.Is(err, errs.CodeCancelled) {
				return results, err
			}
			results = append(results, RestoreResult{Code: code, Status: restoreFailed, Error: err.Error()})
			continue
		}
		results = append(results, RestoreResult{Code: code, Status: restoreTracked})
	}
	return results, nil
}

func (s *httpServer) exportBackup(w http.ResponseWriter, r *http.Request) {
	payload, err := s.buildBackup(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) restoreBackup(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload Backup
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Version) == "" {
		payload.Version = backupVersion
	} else if payload.Version != backupVersion {
		writeError(w, http.StatusBadRequest, "unsupported backup version")
		return
	}

	results, err := s.applyBackup(r.Context(), payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	counts := map[string]int{restoreTracked: 0, restoreSkipped: 0, restoreFailed: 0}
	for _, res := range results {
		counts[res.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "restored",
		"tracked": counts[restoreTracked],
		"skipped": counts[restoreSkipped],
		"failed":  counts[restoreFailed],
		"results": results,
	})
}
