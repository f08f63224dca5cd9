package workflow

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

type PackageRepo interface {
	Create(dbc dbctx.Context, pkgs []*types.InformationPackage) ([]*types.InformationPackage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.InformationPackage, error)
	UpdateStatus(dbc dbctx.Context, id uuid.UUID, status string) error
}

type packageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPackageRepo(db *gorm.DB, baseLog *logger.Logger) PackageRepo {
	return &packageRepo{
		db:  db,
		log: baseLog.With("repo", "PackageRepo"),
	}
}

func (r *packageRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *packageRepo) Create(dbc dbctx.Context, pkgs []*types.InformationPackage) ([]*types.InformationPackage, error) {
	if len(pkgs) == 0 {
		return []*types.InformationPackage{}, nil
	}
	now := time.Now().UTC()
	for _, p := range pkgs {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (r *packageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.InformationPackage, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var pkg types.InformationPackage
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&pkg).Error
	if err != nil {
		return nil, err
	}
	if pkg.ID == uuid.Nil {
		return nil, nil
	}
	return &pkg, nil
}

func (r *packageRepo) UpdateStatus(dbc dbctx.Context, id uuid.UUID, status string) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.InformationPackage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}
