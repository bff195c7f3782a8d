package repository

import (
	"context"

	"cardledger/internal/model"

	"gorm.io/gorm"
)

// ActivityRepository 卡账户流水，只追加
type ActivityRepository struct {
	db *gorm.DB
}

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Create(ctx context.Context, tx *gorm.DB, activity *model.CardActivity) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(activity).Error
}

// ListByPAN 按写入顺序返回某张卡的全部流水
func (r *ActivityRepository) ListByPAN(ctx context.Context, tx *gorm.DB, pan string) ([]model.CardActivity, error) {
	if tx == nil {
		tx = r.db
	}
	var activities []model.CardActivity
	err := tx.WithContext(ctx).
		Where("pan = ?", pan).
		Order("id ASC").
		Find(&activities).Error
	return activities, err
}
