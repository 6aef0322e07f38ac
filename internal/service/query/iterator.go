package query

import (
	"context"

	"google.golang.org/api/iterator"

	"bq-gateway/internal/domain"
)

// RowIterator is a lazy, forward-only cursor over a finished job's rows. It
// yields at most limit rows; Truncated reports whether the result had more.
// A RowIterator is not safe for concurrent use and cannot be rewound.
type RowIterator struct {
	ctx   context.Context
	pager domain.ResultPager
	limit int

	columns   []string
	totalRows int64
	buf       []domain.Row
	served    int
	truncated bool
	last      bool
	done      bool
	err       error
}

func newRowIterator(ctx context.Context, pager domain.ResultPager, limit int) *RowIterator {
	return &RowIterator{ctx: ctx, pager: pager, limit: limit}
}

// Next returns the next row. It returns iterator.Done once the rows or the
// limit are exhausted; any other error is sticky.
func (it *RowIterator) Next() (domain.Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.done {
		return nil, iterator.Done
	}
	for len(it.buf) == 0 {
		if it.last {
			it.done = true
			return nil, iterator.Done
		}
		if err := it.fetch(); err != nil {
			it.err = err
			return nil, err
		}
	}
	if it.served >= it.limit {
		it.truncated = true
		it.done = true
		return nil, iterator.Done
	}
	row := it.buf[0]
	it.buf = it.buf[1:]
	it.served++
	return row, nil
}

func (it *RowIterator) fetch() error {
	page, err := it.pager.NextPage(it.ctx)
	if err != nil {
		return err
	}
	if len(page.Columns) > 0 {
		it.columns = page.Columns
	}
	if page.TotalRows > it.totalRows {
		it.totalRows = page.TotalRows
	}
	it.buf = page.Rows
	it.last = page.Last
	return nil
}

// Columns returns the result's column names, known once a page was read.
func (it *RowIterator) Columns() []string { return it.columns }

// Truncated reports whether rows beyond the limit were withheld. Only
// meaningful once Next returned iterator.Done.
func (it *RowIterator) Truncated() bool { return it.truncated }

// TotalRows is the warehouse's row count for the whole result, which may
// exceed the rows yielded.
func (it *RowIterator) TotalRows() int64 { return it.totalRows }

// Collect drains it into a QueryResult.
func Collect(it *RowIterator, job *domain.QueryJob) (*domain.QueryResult, error) {
	rows := make([]domain.Row, 0)
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	res := &domain.QueryResult{
		Columns:   it.Columns(),
		Rows:      rows,
		Truncated: it.Truncated(),
		TotalRows: it.TotalRows(),
	}
	if int64(len(rows)) > res.TotalRows {
		res.TotalRows = int64(len(rows))
	}
	if job != nil {
		res.JobID = job.ID
		res.ProjectID = job.ProjectID
		res.BytesProcessed = job.Stats.BytesProcessed
		res.CacheHit = job.Stats.CacheHit
	}
	return res, nil
}
