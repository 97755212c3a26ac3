// internal/tasks/queue.go
package tasks

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Inference is one unit of deferred skill recomputation.
type Inference struct {
	CompanyID  uuid.UUID
	EmployeeID uuid.UUID
}

// Inferrer is implemented by the skills engine.
type Inferrer interface {
	Infer(ctx context.Context, employeeID uuid.UUID) error
}

// Queue decouples webhook/sync handling from the heavy inference pass: the
// hot path enqueues, a single background worker computes.
type Queue struct {
	ch     chan Inference
	engine Inferrer
	logger *slog.Logger
}

func NewQueue(size int, engine Inferrer, logger *slog.Logger) *Queue {
	return &Queue{
		ch:     make(chan Inference, size),
		engine: engine,
		logger: logger,
	}
}

// EnqueueInference schedules a recomputation without blocking the caller.
// A full queue drops the task; the next sync pass re-enqueues it.
func (q *Queue) EnqueueInference(companyID, employeeID uuid.UUID) {
	select {
	case q.ch <- Inference{CompanyID: companyID, EmployeeID: employeeID}:
	default:
		q.logger.Warn("Inference queue full, dropping task", "employee_id", employeeID)
	}
}

// Run processes tasks until the context is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("Inference worker started", "queue_size", cap(q.ch))
	for {
		select {
		case task := <-q.ch:
			if err := q.engine.Infer(ctx, task.EmployeeID); err != nil {
				q.logger.Error("Skill inference failed",
					"employee_id", task.EmployeeID, "company_id", task.CompanyID, "error", err)
			}
		case <-ctx.Done():
			q.logger.Info("Inference worker shutting down", "reason", ctx.Err())
			return
		}
	}
}
