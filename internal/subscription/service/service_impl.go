package service

import (
	"context"

	"github.com/clubworks/memberd/internal/cache"
	"github.com/clubworks/memberd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// validTransitions enumerates the status moves the lifecycle permits.
// canceled and expired are terminal.
var validTransitions = map[domain.Status][]domain.Status{
	domain.StatusActive:  {domain.StatusPastDue, domain.StatusCancel, domain.StatusExpired},
	domain.StatusPastDue: {domain.StatusActive, domain.StatusCancel, domain.StatusExpired},
	domain.StatusCancel:  {},
	domain.StatusExpired: {},
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Cache *cache.SubscriptionCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	cache *cache.SubscriptionCache
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) Create(ctx context.Context, sub *domain.Subscription) error {
	if sub.Status == "" {
		sub.Status = string(domain.StatusActive)
	}
	if !domain.Status(sub.Status).Valid() {
		return domain.ErrInvalidStatus
	}
	if err := s.repo.Insert(ctx, s.db, sub); err != nil {
		return err
	}
	s.cache.Set(sub)
	return nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.repo.FindByID(ctx, s.db, id)
}

func (s *Service) GetByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Subscription, error) {
	if cached, ok := s.cache.GetByGatewayRef(gatewayRef); ok {
		return &cached, nil
	}

	sub, err := s.repo.FindByGatewayRef(ctx, s.db, gatewayRef)
	if err != nil {
		return nil, err
	}
	s.cache.Set(sub)
	return sub, nil
}

func (s *Service) Transition(ctx context.Context, id string, target domain.Status) error {
	if !target.Valid() {
		return domain.ErrInvalidStatus
	}

	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}

	current := domain.Status(sub.Status)
	if current == target {
		return nil
	}

	if !transitionAllowed(current, target) {
		return domain.ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, s.db, id, current, target)
	if err != nil {
		return err
	}
	s.cache.Invalidate(sub.GatewayRef)
	if !updated {
		return domain.ErrConcurrentUpdate
	}

	s.log.Info("subscription status transition",
		zap.String("subscription_id", id),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
	)
	return nil
}

func transitionAllowed(from, to domain.Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
