package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// ResultTable holds one result per (patient, stage) cell. A cell is written
// at most once and never overwritten.
type ResultTable struct {
	cells sync.Map
	size  atomic.Int64
}

func NewResultTable() *ResultTable {
	return &ResultTable{}
}

// Insert records r for key unless the cell already exists. It reports
// whether r was stored.
func (t *ResultTable) Insert(key models.CellKey, r models.StageResult) bool {
	if _, loaded := t.cells.LoadOrStore(key, r); loaded {
		return false
	}
	t.size.Add(1)
	return true
}

func (t *ResultTable) Get(key models.CellKey) (models.StageResult, bool) {
	v, ok := t.cells.Load(key)
	if !ok {
		return models.StageResult{}, false
	}
	return v.(models.StageResult), true
}

func (t *ResultTable) Len() int {
	return int(t.size.Load())
}

// Snapshot copies every cell. When order is non-nil cells are sorted by
// patient order then stage order; unknown keys sort last by name.
func (t *ResultTable) Snapshot(patientOrder, stageOrder map[string]int) []models.Cell {
	cells := make([]models.Cell, 0, t.Len())
	t.cells.Range(func(k, v interface{}) bool {
		cells = append(cells, models.Cell{CellKey: k.(models.CellKey), Result: v.(models.StageResult)})
		return true
	})
	rank := func(m map[string]int, key string) int {
		if r, ok := m[key]; ok {
			return r
		}
		return len(m)
	}
	sort.Slice(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if pa, pb := rank(patientOrder, a.PatientID), rank(patientOrder, b.PatientID); pa != pb {
			return pa < pb
		}
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if sa, sb := rank(stageOrder, a.Stage), rank(stageOrder, b.Stage); sa != sb {
			return sa < sb
		}
		return a.Stage < b.Stage
	})
	return cells
}
