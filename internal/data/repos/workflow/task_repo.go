package workflow

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, tasks []*types.Task) ([]*types.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Task, error)

	// Planner / aggregate queries. All step-scoped sets are ordered by
	// (parent_step_pos, created_at); reverse iteration is done in code.
	ForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error)
	LiveForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error)
	FailedForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error)
	PendingForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error)
	RetriableForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error)
	UndoableForStep(dbc dbctx.Context, stepID uuid.UUID, onlyFailed bool) ([]*types.Task, error)
	Children(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error)
	LiveChildren(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error)
	RetriableChildren(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error)

	// OriginalForUndo resolves the forward task an undo record reverses
	// (the row whose undone_id points at the undo record).
	OriginalForUndo(dbc dbctx.Context, undoID uuid.UUID) (*types.Task, error)

	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error

	// ClaimNextQueued picks one dispatched leaf off the shared queue and
	// leases it to the calling worker. Stale STARTED rows (heartbeat
	// expired) are reclaimable.
	ClaimNextQueued(dbc dbctx.Context, queues []string, staleRunning time.Duration) (*types.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, tasks []*types.Task) ([]*types.Task, error) {
	if len(tasks) == 0 {
		return []*types.Task{}, nil
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Attempt == uuid.Nil {
			t.Attempt = uuid.New()
		}
		if t.Status == "" {
			t.Status = types.StatusPending
		}
		if len(t.Params) == 0 {
			t.Params = []byte("{}")
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task types.Task
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) stepScope(dbc dbctx.Context, stepID uuid.UUID) *gorm.DB {
	return r.handle(dbc).WithContext(dbc.Ctx).
		Where("parent_step_id = ?", stepID).
		Order("parent_step_pos ASC, created_at ASC")
}

func (r *taskRepo) ForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	if err := r.stepScope(dbc, stepID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LiveForStep is the canonical work list of a step: undo records and
// superseded (retried) tasks are excluded.
func (r *taskRepo) LiveForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	err := r.stepScope(dbc, stepID).
		Where("undo_type = ? AND retried_id IS NULL", false).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) FailedForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	err := r.stepScope(dbc, stepID).
		Where("status = ?", types.StatusFailure).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) PendingForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	err := r.stepScope(dbc, stepID).
		Where("undone_id IS NULL AND undo_type = ? AND status = ?", false, types.StatusPending).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetriableForStep returns tasks that have been undone but not yet
// replaced by a retry record.
func (r *taskRepo) RetriableForStep(dbc dbctx.Context, stepID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	err := r.stepScope(dbc, stepID).
		Where("undone_id IS NOT NULL AND retried_id IS NULL").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UndoableForStep returns forward tasks without an outstanding undo
// record, optionally narrowed to failures.
func (r *taskRepo) UndoableForStep(dbc dbctx.Context, stepID uuid.UUID, onlyFailed bool) ([]*types.Task, error) {
	var out []*types.Task
	if stepID == uuid.Nil {
		return out, nil
	}
	q := r.stepScope(dbc, stepID).
		Where("undo_type = ? AND undone_id IS NULL", false)
	if onlyFailed {
		q = q.Where("status = ?", types.StatusFailure)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) taskScope(dbc dbctx.Context, taskID uuid.UUID) *gorm.DB {
	return r.handle(dbc).WithContext(dbc.Ctx).
		Where("parent_task_id = ?", taskID).
		Order("parent_pos ASC, created_at ASC")
}

func (r *taskRepo) Children(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if taskID == uuid.Nil {
		return out, nil
	}
	if err := r.taskScope(dbc, taskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) LiveChildren(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if taskID == uuid.Nil {
		return out, nil
	}
	err := r.taskScope(dbc, taskID).
		Where("undo_type = ? AND undone_id IS NULL AND retried_id IS NULL", false).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) RetriableChildren(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	if taskID == uuid.Nil {
		return out, nil
	}
	err := r.taskScope(dbc, taskID).
		Where("undone_id IS NOT NULL AND retried_id IS NULL").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) OriginalForUndo(dbc dbctx.Context, undoID uuid.UUID) (*types.Task, error) {
	if undoID == uuid.Nil {
		return nil, nil
	}
	var task types.Task
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("undone_id = ?", undoID).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("id = ? AND status = ?", id, types.StatusStarted).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *taskRepo) ClaimNextQueued(dbc dbctx.Context, queues []string, staleRunning time.Duration) (*types.Task, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.Task
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task types.Task
		q := txx.Where(`
        queued_at IS NOT NULL
        AND (
          (locked_at IS NULL AND status IN ?)
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, []string{types.StatusPending, types.StatusPrepared}, types.StatusStarted, staleCutoff).
			Order("created_at ASC")
		if len(queues) > 0 {
			q = q.Where("queue IN ?", queues)
		}
		// SKIP LOCKED keeps concurrent workers from fighting over a row;
		// sqlite serializes writers anyway and rejects the clause.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
