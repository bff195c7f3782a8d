package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 账户可用标识
// available 列是状态位而不是金额：0 表示卡片不可参与任何交易，
// 与 available_balance（可用余额）是两个独立字段。
const (
	AccountUnavailable = 0
	AccountActive      = 1
)

const AccountStatusActivated = "ACTIVATED"

// CardAccount 卡账户表
// 按 PAN 分区，账户只会被交易过程修改，不会删除
type CardAccount struct {
	PAN string `gorm:"primaryKey;type:varchar(32)" json:"pan"`
	// 1=ACTIVE, 0=不可用
	Available int `gorm:"not null" json:"available"`
	// 状态原因，如 ACTIVATED
	Status  string          `gorm:"type:varchar(32);not null" json:"status"`
	Balance decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"balance"`
	// 可用余额 = 账面余额 - 授权冻结
	AvailableBalance decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"available_balance"`
	Currency         string          `gorm:"type:char(3);not null" json:"currency"`
	LastActivity     time.Time       `gorm:"not null" json:"last_activity"`
}

func (CardAccount) TableName() string {
	return "card_account"
}

// IsAvailable 卡片是否允许参与交易
func (a *CardAccount) IsAvailable() bool {
	return a.Available != AccountUnavailable
}
