package service

import (
	"context"

	"github.com/clubworks/memberd/internal/member/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("member.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (*domain.Member, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) DowngradeRole(ctx context.Context, id string) (bool, error) {
	updated, err := s.repo.UpdateRole(ctx, s.db, id, domain.RoleFree)
	if err != nil {
		return false, err
	}
	if updated {
		s.log.Info("member downgraded to free role", zap.String("member_id", id))
	}
	return updated, nil
}
