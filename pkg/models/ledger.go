package models

import (
	"encoding/json"
)

// SignatureInfo 地址签名列表中的一项
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"block_time,omitempty"`
	Failed    bool   `json:"failed"`
}

// RawRecord 账本返回的原始交易记录，Data 为 jsonParsed 格式的 getTransaction 结果
type RawRecord struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"block_time,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Confirmed 是否已确认（有区块时间）
func (r *RawRecord) Confirmed() bool {
	return r.BlockTime != nil
}
