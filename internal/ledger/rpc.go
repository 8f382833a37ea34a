package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"drainscan/internal/config"
	"drainscan/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
)

// RPCProvider 基于 Solana JSON-RPC 的账本数据源
type RPCProvider struct {
	name       string
	client     *rpc.Client
	commitment rpc.CommitmentType
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewRPCProvider 创建RPC数据源，节点配置了速率限制时使用限流客户端
func NewRPCProvider(node *config.NodeConfig, commitment string, timeout time.Duration, logger *logrus.Logger) *RPCProvider {
	var client *rpc.Client
	if node.RateLimit > 0 {
		client = rpc.NewWithCustomRPCClient(rpc.NewWithRateLimit(node.URL, node.RateLimit))
	} else {
		client = rpc.New(node.URL)
	}
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RPCProvider{
		name:       node.Name,
		client:     client,
		commitment: rpc.CommitmentType(commitment),
		timeout:    timeout,
		logger:     logger,
	}
}

// Name 节点名称
func (p *RPCProvider) Name() string {
	return p.name
}

// Client 底层RPC客户端，供注册表查询复用
func (p *RPCProvider) Client() *rpc.Client {
	return p.client
}

// ListSignatures 调用 getSignaturesForAddress
func (p *RPCProvider) ListSignatures(ctx context.Context, address string, limit int, before string) ([]models.SignatureInfo, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("解析地址失败: %w", err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: p.commitment,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("解析游标签名失败: %w", err)
		}
		opts.Before = sig
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.GetSignaturesForAddressWithOpts(callCtx, pubkey, opts)
	if err != nil {
		return nil, fmt.Errorf("节点 %s getSignaturesForAddress 失败: %w", p.name, err)
	}

	infos := make([]models.SignatureInfo, 0, len(out))
	for _, s := range out {
		info := models.SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			bt := int64(*s.BlockTime)
			info.BlockTime = &bt
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// transactionEnvelope getTransaction 结果中需要提前读取的字段
type transactionEnvelope struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
}

// FetchTransactions 逐个调用 getTransaction（jsonParsed 编码）
func (p *RPCProvider) FetchTransactions(ctx context.Context, signatures []string) ([]models.RawRecord, error) {
	records := make([]models.RawRecord, 0, len(signatures))
	maxVersion := uint64(0)

	for _, sig := range signatures {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		params := []interface{}{
			sig,
			map[string]interface{}{
				"encoding":                       "jsonParsed",
				"commitment":                     p.commitment,
				"maxSupportedTransactionVersion": maxVersion,
			},
		}

		var raw json.RawMessage
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.client.RPCCallForInto(callCtx, &raw, "getTransaction", params)
		cancel()
		if err != nil {
			return records, fmt.Errorf("节点 %s getTransaction %s 失败: %w", p.name, sig, err)
		}

		if len(raw) == 0 || string(raw) == "null" {
			p.logger.WithField("signature", sig).Debug("交易未找到，跳过")
			continue
		}

		var env transactionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// 信封无法解析时仍保留原始数据，交由标准化阶段判定
			p.logger.WithField("signature", sig).Debugf("读取交易信封失败: %v", err)
		}

		records = append(records, models.RawRecord{
			Signature: sig,
			Slot:      env.Slot,
			BlockTime: env.BlockTime,
			Data:      raw,
		})
	}

	return records, nil
}
