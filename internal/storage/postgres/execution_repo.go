package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/coderun/internal/storage"
)

// ExecutionRepository reads and writes execution history. It only issues
// portable SQL, so the SQLite backend reuses it unchanged.
// Append-only: no Update or Delete methods exist on this type.
type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save inserts rec and writes the generated ID and timestamp back into it.
func (r *ExecutionRepository) Save(ctx context.Context, rec *storage.Execution) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	model := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving execution %s: %w", rec.ID, err)
	}
	rec.CreatedAt = model.CreatedAt
	return nil
}

// Recent returns the newest records first.
func (r *ExecutionRepository) Recent(ctx context.Context, limit int) ([]storage.Execution, error) {
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(storage.ClampLimit(limit)).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	out := make([]storage.Execution, len(models))
	for i := range models {
		out[i] = toExecutionDomain(&models[i])
	}
	return out, nil
}

type countRow struct {
	Label string
	N     int64
}

// Stats aggregates totals, per-result and per-language counts, and the mean duration.
func (r *ExecutionRepository) Stats(ctx context.Context) (storage.Stats, error) {
	db := r.db.WithContext(ctx).Model(&ExecutionModel{})
	st := storage.Stats{
		ByResult:   make(map[string]int64),
		ByLanguage: make(map[string]int64),
	}

	if err := db.Session(&gorm.Session{}).Count(&st.Total).Error; err != nil {
		return st, fmt.Errorf("counting executions: %w", err)
	}
	if st.Total == 0 {
		return st, nil
	}

	for col, dst := range map[string]map[string]int64{"result": st.ByResult, "language": st.ByLanguage} {
		var rows []countRow
		err := db.Session(&gorm.Session{}).
			Select(col + " AS label, COUNT(*) AS n").
			Group(col).
			Scan(&rows).Error
		if err != nil {
			return st, fmt.Errorf("grouping executions by %s: %w", col, err)
		}
		for _, row := range rows {
			if row.Label == "" {
				continue
			}
			dst[row.Label] = row.N
		}
	}

	var avg float64
	if err := db.Session(&gorm.Session{}).Select("COALESCE(AVG(duration_ms), 0)").Row().Scan(&avg); err != nil {
		return st, fmt.Errorf("averaging execution duration: %w", err)
	}
	st.AvgDurationMs = avg
	return st, nil
}
