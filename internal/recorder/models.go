package recorder

import "time"

// QuoteTick 行情落盘记录
type QuoteTick struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	Symbol        string  `gorm:"type:varchar(16);not null;index:idx_symbol;comment:标的" json:"symbol"`
	Price         float64 `gorm:"type:decimal(28,12);not null;comment:价格(USD)" json:"price"`
	Change        float64 `gorm:"type:decimal(28,12);not null;default:0;comment:涨跌额" json:"change"`
	ChangePercent float64 `gorm:"type:decimal(18,6);not null;default:0;comment:涨跌幅(百分比)" json:"change_percent"`

	QuotedAt  time.Time `gorm:"not null;index;comment:行情时间" json:"quoted_at"`
	CreatedAt time.Time `gorm:"autoCreateTime;comment:落盘时间" json:"created_at"`
}

// TableName 指定表名
func (QuoteTick) TableName() string {
	return "rt_quote_ticks"
}

// EventRecord 命名事件审计记录
type EventRecord struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	Name    string    `gorm:"type:varchar(32);not null;index;comment:事件名" json:"name"`
	EventID string    `gorm:"type:varchar(64);not null;comment:服务端事件ID" json:"event_id"`
	Payload string    `gorm:"type:text;comment:原始负载" json:"payload"`
	At      time.Time `gorm:"comment:事件时间" json:"at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (EventRecord) TableName() string {
	return "rt_event_records"
}
