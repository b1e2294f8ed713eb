package timetravel

import (
	"context"

	"github.com/Mindburn-Labs/helm-durable/pkg/logstore"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// SearchResult is one page of search matches in index order.
type SearchResult struct {
	Matches []oplog.Entry
	// Next resumes the search; nil once the whole log has been scanned.
	Next *logstore.Cursor
}

// Search scans w's log from cursor and returns up to count matching
// entries. Indexed and archived ranges are searched alike.
func (m *Manager) Search(ctx context.Context, w oplog.WorkerID, query string, cursor *logstore.Cursor, count int) (res SearchResult, err error) {
	ctx, done := m.obs.TrackOperation(ctx, "oplog.search", observability.AttrWorker.String(w.String()))
	defer func() { done(err) }()

	matcher, err := Compile(query)
	if err != nil {
		return SearchResult{}, err
	}
	if count <= 0 {
		count = m.pageSize
	}

	for {
		page, next, err := m.store.ReadPage(ctx, w, cursor, m.pageSize)
		if err != nil {
			return SearchResult{}, err
		}
		for i, e := range page {
			ok, err := matcher.Match(e)
			if err != nil {
				return SearchResult{}, err
			}
			if !ok {
				continue
			}
			res.Matches = append(res.Matches, e)
			if len(res.Matches) == count {
				if i < len(page)-1 {
					res.Next = &logstore.Cursor{Worker: w, Next: e.Index.Next()}
				} else {
					res.Next = next
				}
				return res, nil
			}
		}
		if next == nil {
			return res, nil
		}
		cursor = next
	}
}
