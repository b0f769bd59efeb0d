package persistence

import (
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/jobs"
)

const jobColumns = `id, type, status, input, output, error, created_by, attempts, created_at, updated_at, enqueued_at`

// whereBuilder renders a jobs.Filter for either "?" or "$n" placeholders.
type whereBuilder struct {
	dollar  bool
	timeArg func(time.Time) any
	conds   []string
	args    []any
}

func (b *whereBuilder) placeholder(arg any) string {
	b.args = append(b.args, arg)
	if b.dollar {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

func (b *whereBuilder) add(format string, arg any) {
	b.conds = append(b.conds, fmt.Sprintf(format, b.placeholder(arg)))
}

func (b *whereBuilder) addIn(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := make([]string, 0, len(values))
	for _, v := range values {
		marks = append(marks, b.placeholder(v))
	}
	b.conds = append(b.conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")))
}

func (b *whereBuilder) addTime(format string, t time.Time) {
	if t.IsZero() {
		return
	}
	b.add(format, b.timeArg(t))
}

func (b *whereBuilder) build(f jobs.Filter) string {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}
	b.addIn("status", statuses)
	b.addIn("type", types)
	if f.CreatedBy != "" {
		b.add("created_by = %s", f.CreatedBy)
	}
	b.addTime("created_at >= %s", f.CreatedSince)
	b.addTime("created_at < %s", f.CreatedBefore)
	b.addTime("updated_at >= %s", f.UpdatedSince)
	b.addTime("updated_at < %s", f.UpdatedBefore)
	b.addTime("enqueued_at < %s", f.EnqueuedBefore)

	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func orderClause(f jobs.Filter) string {
	if f.NewestFirst {
		return " ORDER BY created_at DESC, id DESC"
	}
	return " ORDER BY enqueued_at ASC, id ASC"
}

func limitClause(f jobs.Filter) string {
	if f.Limit > 0 {
		return fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return ""
}
