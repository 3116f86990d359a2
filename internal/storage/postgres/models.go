package postgres

import (
	"time"

	"github.com/jkaninda/coderun/internal/storage"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Tool       string `gorm:"not null;index"`
	Language   string `gorm:"index"`
	Source     string
	Caller     string
	Result     string `gorm:"not null;index"`
	ExitCode   int
	DurationMs int64
	CodeBytes  int
	CodeSHA256 string    `gorm:"column:code_sha256;size:64;index"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

func toExecutionModel(e *storage.Execution) ExecutionModel {
	return ExecutionModel{
		ID:         e.ID,
		Tool:       e.Tool,
		Language:   e.Language,
		Source:     e.Source,
		Caller:     e.Caller,
		Result:     e.Result,
		ExitCode:   e.ExitCode,
		DurationMs: e.DurationMs,
		CodeBytes:  e.CodeBytes,
		CodeSHA256: e.CodeSHA256,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) storage.Execution {
	return storage.Execution{
		ID:         m.ID,
		Tool:       m.Tool,
		Language:   m.Language,
		Source:     m.Source,
		Caller:     m.Caller,
		Result:     m.Result,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		CodeBytes:  m.CodeBytes,
		CodeSHA256: m.CodeSHA256,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
	}
}
