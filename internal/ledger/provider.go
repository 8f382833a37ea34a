package ledger

import (
	"context"

	"drainscan/pkg/models"
)

// Provider 账本数据源
type Provider interface {
	// ListSignatures 按时间倒序列出地址相关的交易签名，before 为空时从最新开始
	ListSignatures(ctx context.Context, address string, limit int, before string) ([]models.SignatureInfo, error)
	// FetchTransactions 批量获取交易详情，未找到的签名不出现在结果中
	FetchTransactions(ctx context.Context, signatures []string) ([]models.RawRecord, error)
}
