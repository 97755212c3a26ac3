// internal/skills/engine.go
package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Smeet23/WorkLedger-sub001/internal/model"
)

// bytesPerLine converts attributed language bytes into the lines-of-code
// proxy. The proxy is proportional, not a measurement.
const bytesPerLine = 50

const inferenceDetail = "github-inference"

// SkillStore is the slice of Storage inference needs.
type SkillStore interface {
	ListEmployeeRepoActivity(ctx context.Context, employeeID uuid.UUID) ([]model.RepoActivity, error)
	UpsertSkill(ctx context.Context, name, category string) (model.Skill, error)
	UpsertSkillRecord(ctx context.Context, rec model.SkillRecord) error
}

// Engine recomputes skill records from aggregated contribution metrics.
type Engine struct {
	store  SkillStore
	logger *slog.Logger
}

func NewEngine(store SkillStore, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// metrics accumulates one skill's evidence across repositories.
type metrics struct {
	category    string
	linesOfCode int64
	commits     int
	repos       int
	lastUsed    time.Time
}

// Infer fully recomputes every skill record for the employee. Each pass is
// a snapshot, not an append: existing auto-detected records are overwritten.
func (e *Engine) Infer(ctx context.Context, employeeID uuid.UUID) error {
	activity, err := e.store.ListEmployeeRepoActivity(ctx, employeeID)
	if err != nil {
		return err
	}

	acc := make(map[string]*metrics)
	for _, a := range activity {
		ratio := a.ContributionRatio()
		if ratio == 0 {
			continue
		}
		var totalBytes int64
		for lang, bytes := range a.Repository.Languages {
			m := accumulate(acc, lang, model.CategoryLanguage)
			m.linesOfCode += int64(float64(bytes) * ratio / bytesPerLine)
			m.commits += a.EmployeeCommits
			m.repos++
			if a.LastCommitAt.After(m.lastUsed) {
				m.lastUsed = a.LastCommitAt
			}
			totalBytes += bytes
		}
		for _, framework := range a.Repository.Frameworks {
			m := accumulate(acc, framework, model.CategoryFramework)
			m.linesOfCode += int64(float64(totalBytes) * ratio / bytesPerLine)
			m.commits += a.EmployeeCommits
			m.repos++
			if a.LastCommitAt.After(m.lastUsed) {
				m.lastUsed = a.LastCommitAt
			}
		}
	}

	for name, m := range acc {
		skill, err := e.store.UpsertSkill(ctx, name, m.category)
		if err != nil {
			return err
		}
		rec := model.SkillRecord{
			ID:          uuid.New(),
			EmployeeID:  employeeID,
			SkillID:     skill.ID,
			Level:       LevelFor(m.linesOfCode, m.repos),
			Confidence:  ConfidenceFor(m.linesOfCode, m.repos, m.commits),
			LinesOfCode: m.linesOfCode,
			RepoCount:   m.repos,
			CommitCount: m.commits,
			LastUsedAt:  m.lastUsed,
			Source:      model.SourceAuto,
			Detail:      inferenceDetail,
		}
		if err := e.store.UpsertSkillRecord(ctx, rec); err != nil {
			return err
		}
	}

	e.logger.Info("Skill inference completed", "employee_id", employeeID, "skills", len(acc))
	return nil
}

func accumulate(acc map[string]*metrics, name, category string) *metrics {
	m, ok := acc[name]
	if !ok {
		m = &metrics{category: category}
		acc[name] = m
	}
	return m
}

// LevelFor evaluates thresholds highest-first; the first satisfied wins.
// Both the lines proxy and the repository gate must pass.
func LevelFor(linesOfCode int64, repos int) model.SkillLevel {
	switch {
	case linesOfCode > 10000 && repos > 10:
		return model.LevelExpert
	case linesOfCode > 5000 && repos > 5:
		return model.LevelAdvanced
	case linesOfCode > 1000 && repos > 2:
		return model.LevelIntermediate
	default:
		return model.LevelBeginner
	}
}

// ConfidenceFor blends lines, repositories and commits. Each term is
// uncapped before the outer clamp, so one dominant factor alone can
// saturate confidence.
func ConfidenceFor(linesOfCode int64, repos, commits int) float64 {
	c := 0.4*(float64(linesOfCode)/10000) +
		0.3*(float64(repos)/10) +
		0.3*(float64(commits)/100)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
