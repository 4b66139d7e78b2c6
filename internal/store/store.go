package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gaiola-hub-backend/internal/model"
)

// gormStore implements Backend using GORM.
type gormStore struct {
	db   *gorm.DB
	feed Feed
}

// NewGormStore creates a new GORM-backed store publishing on feed.
func NewGormStore(db *gorm.DB, feed Feed) Backend {
	if feed == nil {
		feed = NewLocalFeed()
	}
	return &gormStore{db: db, feed: feed}
}

func (s *gormStore) publish(ctx context.Context, c Collection, id string, deleted bool) {
	s.feed.Publish(ctx, Change{Collection: c, ID: id, Origin: OriginFrom(ctx), Deleted: deleted})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *gormStore) OnChange(collection Collection, fn func(Change)) func() {
	return s.feed.Subscribe(collection, fn)
}

func (s *gormStore) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	var slot model.Slot
	if err := s.db.WithContext(ctx).First(&slot, "id = ?", id).Error; err != nil {
		return model.Slot{}, notFound(err)
	}
	return slot, nil
}

func (s *gormStore) ListSlots(ctx context.Context) ([]model.Slot, error) {
	var slots []model.Slot
	if err := s.db.WithContext(ctx).Find(&slots).Error; err != nil {
		return nil, err
	}
	SortSlots(slots)
	return slots, nil
}

// PutSlot replaces the whole slot row, bumping its revision in the same transaction.
func (s *gormStore) PutSlot(ctx context.Context, slot model.Slot) (model.Slot, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Slot
		err := tx.Select("revision").First(&current, "id = ?", slot.ID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		slot.Revision = current.Revision + 1
		return tx.Save(&slot).Error
	})
	if err != nil {
		return model.Slot{}, fmt.Errorf("failed to save slot %s: %w", slot.ID, err)
	}
	s.publish(ctx, Slots, slot.ID, false)
	return slot, nil
}

func (s *gormStore) GetDriver(ctx context.Context, code string) (model.Driver, error) {
	var driver model.Driver
	if err := s.db.WithContext(ctx).First(&driver, "id = ?", code).Error; err != nil {
		return model.Driver{}, notFound(err)
	}
	return driver, nil
}

func (s *gormStore) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	var drivers []model.Driver
	if err := s.db.WithContext(ctx).Order("code").Find(&drivers).Error; err != nil {
		return nil, err
	}
	return drivers, nil
}

func (s *gormStore) PutDriver(ctx context.Context, driver model.Driver) (model.Driver, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Driver
		err := tx.Select("revision").First(&current, "id = ?", driver.ID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		driver.Revision = current.Revision + 1
		return tx.Save(&driver).Error
	})
	if err != nil {
		return model.Driver{}, fmt.Errorf("failed to save driver %s: %w", driver.ID, err)
	}
	s.publish(ctx, Drivers, driver.ID, false)
	return driver, nil
}

// SwapDriver is a conditional update on the revision column.
func (s *gormStore) SwapDriver(ctx context.Context, driver model.Driver, expected int64) (model.Driver, error) {
	driver.Revision = expected + 1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expected == 0 {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&driver)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrRevisionMismatch
			}
			return nil
		}
		res := tx.Model(&model.Driver{}).
			Where("id = ? AND revision = ?", driver.ID, expected).
			Select("*").
			Updates(&driver)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRevisionMismatch
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			return model.Driver{}, err
		}
		return model.Driver{}, fmt.Errorf("failed to swap driver %s: %w", driver.ID, err)
	}
	s.publish(ctx, Drivers, driver.ID, false)
	return driver, nil
}

func (s *gormStore) DeleteDriver(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Delete(&model.Driver{}, "id = ?", code)
	if res.Error != nil {
		return fmt.Errorf("failed to delete driver %s: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.publish(ctx, Drivers, code, true)
	return nil
}

func (s *gormStore) GetDelayRequest(ctx context.Context, id string) (model.DelayRequest, error) {
	var req model.DelayRequest
	if err := s.db.WithContext(ctx).First(&req, "request_id = ?", id).Error; err != nil {
		return model.DelayRequest{}, notFound(err)
	}
	return req, nil
}

func (s *gormStore) ListDelayRequests(ctx context.Context) ([]model.DelayRequest, error) {
	var reqs []model.DelayRequest
	if err := s.db.WithContext(ctx).Order("created_at").Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *gormStore) PutDelayRequest(ctx context.Context, req model.DelayRequest) error {
	if err := s.db.WithContext(ctx).Save(&req).Error; err != nil {
		return fmt.Errorf("failed to save delay request %s: %w", req.RequestID, err)
	}
	s.publish(ctx, DelayRequests, req.RequestID, false)
	return nil
}

func (s *gormStore) DeleteDelayRequests(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&model.DelayRequest{}, "request_id IN ?", ids).Error; err != nil {
		return fmt.Errorf("failed to delete delay requests: %w", err)
	}
	for _, id := range ids {
		s.publish(ctx, DelayRequests, id, true)
	}
	return nil
}

func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "role", "slot_id"}),
	}).Create(&sub).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return model.PushSubscription{}, notFound(err)
	}
	return sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func (s *gormStore) ListSubscriptions(ctx context.Context, role, slotID string) ([]model.PushSubscription, error) {
	q := s.db.WithContext(ctx).Where("role = ?", role)
	if slotID != "" {
		q = q.Where("slot_id = ?", slotID)
	}
	var subs []model.PushSubscription
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
