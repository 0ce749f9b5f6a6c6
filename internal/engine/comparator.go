package engine

import (
	"context"
	"reflect"

	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"go.uber.org/zap"
)

// FieldDiff captures one field's divergence between local and remote copies.
type FieldDiff struct {
	Local  any `json:"local"`
	Remote any `json:"remote"`
}

// CompareResult is the post-upload discrepancy report.
type CompareResult struct {
	MissingInRemote []string                        `json:"missing_in_remote"`
	MissingInLocal  []string                        `json:"missing_in_local"`
	Modified        []string                        `json:"modified"`
	ModifiedDetails map[string]map[string]FieldDiff `json:"modified_details,omitempty"`
}

// Empty reports whether the comparison found no divergence.
func (r CompareResult) Empty() bool {
	return len(r.MissingInRemote) == 0 && len(r.MissingInLocal) == 0 && len(r.Modified) == 0
}

// Comparator computes the three-way diff between a local snapshot and the
// authoritative remote set. It is a best-effort diagnostic, not a
// correctness gate: transport errors degrade to an empty report.
type Comparator struct {
	store  RemoteStore
	logger *zap.Logger
}

// NewComparator builds a comparator over the remote store.
func NewComparator(store RemoteStore, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{store: store, logger: logger}
}

// Compare fetches the remote item set for the user and diffs it against the
// provided local snapshot. The field diff is restricted to the declared
// allow-list so transient fields never register as divergence.
func (c *Comparator) Compare(ctx context.Context, local []items.Item, userID, token string) CompareResult {
	remoteItems, err := c.store.ListItems(ctx, token, userID)
	if err != nil {
		c.logger.Warn("comparison fetch failed, reporting no divergence", zap.Error(err))
		return CompareResult{}
	}

	localByID := items.IndexByID(local)
	remoteByID := items.IndexByID(remoteItems)

	result := CompareResult{ModifiedDetails: map[string]map[string]FieldDiff{}}
	for _, localItem := range local {
		if _, ok := remoteByID[localItem.ID]; !ok {
			result.MissingInRemote = append(result.MissingInRemote, localItem.ID)
		}
	}
	for _, remoteItem := range remoteItems {
		localItem, ok := localByID[remoteItem.ID]
		if !ok {
			result.MissingInLocal = append(result.MissingInLocal, remoteItem.ID)
			continue
		}
		diffs := map[string]FieldDiff{}
		for _, field := range items.ComparableFields {
			localValue := items.FieldValue(localItem, field)
			remoteValue := items.FieldValue(remoteItem, field)
			if !reflect.DeepEqual(localValue, remoteValue) {
				diffs[field] = FieldDiff{Local: localValue, Remote: remoteValue}
			}
		}
		if len(diffs) > 0 {
			result.Modified = append(result.Modified, remoteItem.ID)
			result.ModifiedDetails[remoteItem.ID] = diffs
		}
	}
	if len(result.ModifiedDetails) == 0 {
		result.ModifiedDetails = nil
	}
	return result
}
