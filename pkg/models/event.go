package models

import (
	"github.com/shopspring/decimal"
)

// NativeAsset 原生SOL资产标识
const NativeAsset = "SOL"

// EventKind 事件类型
type EventKind string

const (
	EventKindTransfer        EventKind = "transfer"
	EventKindApproval        EventKind = "approval"
	EventKindAuthorityChange EventKind = "authority_change"
)

// Direction 资产流向（相对于被分析地址）
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionNone Direction = "none"
)

// TransactionEvent 标准化后的交易事件
type TransactionEvent struct {
	Signature      string          `json:"signature"`
	Slot           uint64          `json:"slot"`
	Timestamp      int64           `json:"timestamp"` // 秒级unix时间
	Kind           EventKind       `json:"kind"`
	Asset          string          `json:"asset"` // SOL 或 mint 地址
	Amount         decimal.Decimal `json:"amount"`
	Direction      Direction       `json:"direction"`
	Counterparty   string          `json:"counterparty,omitempty"`
	ProgramID      string          `json:"program_id,omitempty"`
	InstructionTag string          `json:"instruction_tag,omitempty"`
	Unlimited      bool            `json:"unlimited,omitempty"` // approve 金额为 u64 最大值
}

// IsOutflow 是否为流出转账
func (e *TransactionEvent) IsOutflow() bool {
	return e.Kind == EventKindTransfer && e.Direction == DirectionOut
}

// IsInflow 是否为流入转账
func (e *TransactionEvent) IsInflow() bool {
	return e.Kind == EventKindTransfer && e.Direction == DirectionIn
}

// DetectorInput 过滤掉自转账等无方向事件
func DetectorInput(events []TransactionEvent) []TransactionEvent {
	out := make([]TransactionEvent, 0, len(events))
	for _, e := range events {
		if e.Kind == EventKindTransfer && e.Direction == DirectionNone {
			continue
		}
		out = append(out, e)
	}
	return out
}
