package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 交易类型
const (
	ActivityTypeTransfer  = "TRANSFER"
	ActivityTypeAuthorize = "AUTHORIZE"
	ActivityTypeRedeem    = "REDEEM"
)

// 借贷方向
const (
	Debit  = "D"
	Credit = "C"
)

// CardActivity 卡账户流水表
//
// 只追加，不修改，不删除。一笔转账对应两条流水：
// 转出方 D/负数，转入方 C/正数，金额绝对值相等，时间戳相同。
type CardActivity struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	PAN         string          `gorm:"type:varchar(32);index;not null" json:"pan"`
	At          time.Time       `gorm:"not null" json:"at"`
	TxType      string          `gorm:"type:varchar(16);not null" json:"tx_type"`
	DebitCredit string          `gorm:"type:char(1);not null" json:"debit_credit"`
	Amount      decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"amount"` // 正数入账，负数出账
}

func (CardActivity) TableName() string {
	return "card_activity"
}
