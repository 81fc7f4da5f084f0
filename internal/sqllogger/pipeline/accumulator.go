package pipeline

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// tableRows holds the rows accumulated for one table, oldest first.
type tableRows struct {
	rows      []*model.BufferedRow
	lastFlush time.Time
}

// accumulator keeps rows per table in arrival order. Tables are visited in the order they were first seen.
type accumulator struct {
	clock  clock.PassiveClock
	tables map[string]*tableRows
	order  []string
	total  int
}

func newAccumulator(c clock.PassiveClock) *accumulator {
	return &accumulator{clock: c, tables: map[string]*tableRows{}}
}

// add appends row to its table. A table seen for the first time starts its timeout window now.
func (a *accumulator) add(row *model.BufferedRow) {
	t, ok := a.tables[row.Table]
	if !ok {
		t = &tableRows{lastFlush: a.clock.Now()}
		a.tables[row.Table] = t
		a.order = append(a.order, row.Table)
	}
	t.rows = append(t.rows, row)
	a.total++
}

func (a *accumulator) size() int {
	return a.total
}

func (a *accumulator) rows(table string) []*model.BufferedRow {
	if t, ok := a.tables[table]; ok {
		return t.rows
	}
	return nil
}

// tablesDue lists the tables holding at least bulkSize rows or whose last flush is timeout or more ago.
func (a *accumulator) tablesDue(now time.Time, bulkSize int, timeout time.Duration, force bool) []string {
	var due []string
	for _, name := range a.order {
		t := a.tables[name]
		if len(t.rows) == 0 {
			continue
		}
		if force || len(t.rows) >= bulkSize || now.Sub(t.lastFlush) >= timeout {
			due = append(due, name)
		}
	}
	return due
}

// head returns up to n of the oldest rows of table.
func (a *accumulator) head(table string, n int) []*model.BufferedRow {
	rows := a.rows(table)
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// drop removes the n oldest rows of table.
func (a *accumulator) drop(table string, n int) {
	t, ok := a.tables[table]
	if !ok || n <= 0 {
		return
	}
	n = min(n, len(t.rows))
	clear(t.rows[:n])
	t.rows = t.rows[n:]
	if len(t.rows) == 0 {
		t.rows = nil
	}
	a.total -= n
}

func (a *accumulator) flushed(table string, now time.Time) {
	if t, ok := a.tables[table]; ok {
		t.lastFlush = now
	}
}

// prune forgets empty tables that have not been flushed for timeout, so that payload derived table names do not
// accumulate forever. Such a table behaves like a new one when rows for it arrive again.
func (a *accumulator) prune(now time.Time, timeout time.Duration) {
	kept := a.order[:0]
	for _, name := range a.order {
		t := a.tables[name]
		if len(t.rows) == 0 && now.Sub(t.lastFlush) >= timeout {
			delete(a.tables, name)
			continue
		}
		kept = append(kept, name)
	}
	clear(a.order[len(kept):])
	a.order = kept
}
