package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

type StepRepo interface {
	Create(dbc dbctx.Context, steps []*types.Step) ([]*types.Step, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Step, error)
	ChildSteps(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Step, error)
	// ByName finds the first step with the given name under parentID
	// (nil parentID scans root steps). Used by restartable leaves to
	// rediscover their sub-plans.
	ByName(dbc dbctx.Context, parentID *uuid.UUID, name string) (*types.Step, error)
	ByPackage(dbc dbctx.Context, packageID uuid.UUID) ([]*types.Step, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// Delete removes the step and cascades over its child steps and tasks.
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{
		db:  db,
		log: baseLog.With("repo", "StepRepo"),
	}
}

func (r *stepRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepRepo) Create(dbc dbctx.Context, steps []*types.Step) ([]*types.Step, error) {
	if len(steps) == 0 {
		return []*types.Step{}, nil
	}
	now := time.Now().UTC()
	for _, s := range steps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = s.CreatedAt
		}
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Step, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var step types.Step
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}

func (r *stepRepo) ChildSteps(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Step, error) {
	var out []*types.Step
	if parentID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("parent_step_id = ?", parentID).
		Order("parent_step_pos ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepRepo) ByName(dbc dbctx.Context, parentID *uuid.UUID, name string) (*types.Step, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).Where("name = ?", name)
	if parentID != nil && *parentID != uuid.Nil {
		q = q.Where("parent_step_id = ?", *parentID)
	} else {
		q = q.Where("parent_step_id IS NULL")
	}
	var step types.Step
	err := q.Order("created_at ASC").Limit(1).Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}

func (r *stepRepo) ByPackage(dbc dbctx.Context, packageID uuid.UUID) ([]*types.Step, error) {
	var out []*types.Step
	if packageID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("package_id = ?", packageID).
		Order("parent_step_pos ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Step{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *stepRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return r.deleteTree(dbc, tx, id)
	})
}

// deleteTree removes the step's task rows, recurses into child steps,
// then removes the step row itself.
func (r *stepRepo) deleteTree(dbc dbctx.Context, tx *gorm.DB, id uuid.UUID) error {
	var childIDs []uuid.UUID
	if err := tx.WithContext(dbc.Ctx).
		Model(&types.Step{}).
		Where("parent_step_id = ?", id).
		Pluck("id", &childIDs).Error; err != nil {
		return err
	}
	for _, cid := range childIDs {
		if err := r.deleteTree(dbc, tx, cid); err != nil {
			return err
		}
	}
	var taskIDs []uuid.UUID
	if err := tx.WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("parent_step_id = ?", id).
		Pluck("id", &taskIDs).Error; err != nil {
		return err
	}
	if err := r.deleteTaskTrees(dbc, tx, taskIDs); err != nil {
		return err
	}
	return tx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Step{}).Error
}

// deleteTaskTrees removes tasks and any nested sub-task rows hanging off
// them through parent_task_id.
func (r *stepRepo) deleteTaskTrees(dbc dbctx.Context, tx *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	var childIDs []uuid.UUID
	if err := tx.WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Where("parent_task_id IN ?", ids).
		Pluck("id", &childIDs).Error; err != nil {
		return err
	}
	if err := r.deleteTaskTrees(dbc, tx, childIDs); err != nil {
		return err
	}
	return tx.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Delete(&types.Task{}).Error
}
