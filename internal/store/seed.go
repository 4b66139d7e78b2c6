package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gaiola-hub-backend/internal/model"
)

// EnsureSlots creates slots "1".."count" in the waiting state when missing.
// Existing slots are left untouched.
func EnsureSlots(ctx context.Context, s Store, count int) error {
	now := time.Now().UTC()
	for i := 1; i <= count; i++ {
		id := strconv.Itoa(i)
		_, err := s.GetSlot(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to look up slot %s: %w", id, err)
		}
		if _, err := s.PutSlot(ctx, model.Slot{ID: id, Status: model.SlotWaiting, LastUpdate: now}); err != nil {
			return fmt.Errorf("failed to create slot %s: %w", id, err)
		}
	}
	return nil
}

// SortSlots orders slots numerically by id, falling back to string order.
func SortSlots(slots []model.Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, errA := strconv.Atoi(slots[i].ID)
		b, errB := strconv.Atoi(slots[j].ID)
		if errA == nil && errB == nil {
			return a < b
		}
		return slots[i].ID < slots[j].ID
	})
}
