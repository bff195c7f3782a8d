package repository

import (
	"context"
	"errors"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAccountNotFound = errors.New("卡账户不存在")

// AccountRepository 卡账户表
//
// 带 tx 参数的方法在调用方事务内执行，tx 为 nil 时使用默认连接。
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.CardAccount) error {
	return r.conn(tx).WithContext(ctx).Create(account).Error
}

// Find 点查，不存在时返回 nil, nil
func (r *AccountRepository) Find(ctx context.Context, tx *gorm.DB, pan string) (*model.CardAccount, error) {
	var accounts []model.CardAccount
	err := r.conn(tx).WithContext(ctx).Where("pan = ?", pan).Limit(1).Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func (r *AccountRepository) GetByPAN(ctx context.Context, pan string) (*model.CardAccount, error) {
	var account model.CardAccount
	err := r.db.WithContext(ctx).Where("pan = ?", pan).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// LockForUpdate 按 PAN 升序锁定一组账户行
//
// 所有事务都按同一顺序加锁，两笔方向相反的转账不会互相死锁。
// 不存在的 PAN 不会出现在结果里。
func (r *AccountRepository) LockForUpdate(ctx context.Context, tx *gorm.DB, pans []string) ([]model.CardAccount, error) {
	var accounts []model.CardAccount
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("pan IN ?", pans).
		Order("pan ASC").
		Find(&accounts).Error
	return accounts, err
}

// ApplyDelta 调整余额，返回影响行数，账户不存在时为 0
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, pan string, balanceDelta, availableDelta decimal.Decimal, lastActivity time.Time) (int64, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.CardAccount{}).
		Where("pan = ?", pan).
		Updates(map[string]interface{}{
			"balance":           gorm.Expr("balance + ?", balanceDelta),
			"available_balance": gorm.Expr("available_balance + ?", availableDelta),
			"last_activity":     lastActivity,
		})
	return result.RowsAffected, result.Error
}
