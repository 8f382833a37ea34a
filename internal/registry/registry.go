package registry

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"drainscan/pkg/models"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultProgramID 举报注册表程序地址
	DefaultProgramID = "BYbF6QC9PoeHGH4y1pLNC2YHBChpnFBq46vBydyBFxq2"

	reportSeed = "drainer"
	// getMultipleAccounts 单次最多 100 个账户
	maxAccountsPerCall = 100
	discriminatorLen   = 8
)

// KeyDeriver 地址到注册表账户的确定性映射
type KeyDeriver func(address string) (string, error)

// Client 注册表账户读取接口
type Client interface {
	// FetchAccounts 返回存在的账户，以 key 为索引
	FetchAccounts(ctx context.Context, keys []string) (map[string]*models.RegistryRecord, error)
}

// PDADeriver 使用 ["drainer", 地址] 种子派生程序地址
func PDADeriver(programID string) (KeyDeriver, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("注册表程序地址无效: %w", err)
	}
	return func(address string) (string, error) {
		pubkey, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return "", err
		}
		pda, _, err := solana.FindProgramAddress([][]byte{[]byte(reportSeed), pubkey.Bytes()}, program)
		if err != nil {
			return "", err
		}
		return pda.String(), nil
	}, nil
}

// reportDiscriminator Anchor 账户前 8 字节
var reportDiscriminator = func() [discriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:DrainerReport"))
	var d [discriminatorLen]byte
	copy(d[:], sum[:discriminatorLen])
	return d
}()

// drainerReport 注册表账户布局（不含判别符）
type drainerReport struct {
	DrainerAddress   [32]byte
	ReportCount      uint32
	FirstSeen        int64
	LastSeen         int64
	TotalSolReported uint64
	RecentReporters  [2][32]byte
	AttackCategory   uint8
	AttackMethods    []uint8
	AISummary        string
	KeyDomains       []string
	AIConfidence     uint8
}

// DecodeReport 解析 DrainerReport 账户数据
func DecodeReport(key string, data []byte) (*models.RegistryRecord, error) {
	if len(data) < discriminatorLen {
		return nil, fmt.Errorf("账户数据过短: %d 字节", len(data))
	}
	var disc [discriminatorLen]byte
	copy(disc[:], data[:discriminatorLen])
	if disc != reportDiscriminator {
		return nil, fmt.Errorf("账户类型不匹配")
	}

	var r drainerReport
	if err := bin.NewBorshDecoder(data[discriminatorLen:]).Decode(&r); err != nil {
		return nil, fmt.Errorf("解析注册表账户失败: %w", err)
	}

	return &models.RegistryRecord{
		Key:                   key,
		DrainerAddress:        solana.PublicKeyFromBytes(r.DrainerAddress[:]).String(),
		ReportCount:           r.ReportCount,
		FirstSeen:             time.Unix(r.FirstSeen, 0).UTC(),
		LastSeen:              time.Unix(r.LastSeen, 0).UTC(),
		TotalLamportsReported: r.TotalSolReported,
		AttackCategory:        models.AttackCategoryFromIndex(r.AttackCategory),
		Summary:               r.AISummary,
		KeyDomains:            r.KeyDomains,
		AIConfidence:          r.AIConfidence,
	}, nil
}

// RPCClient 通过 getMultipleAccounts 读取注册表
type RPCClient struct {
	client     *rpc.Client
	program    solana.PublicKey
	commitment rpc.CommitmentType
	logger     *logrus.Logger
}

// NewRPCClient 创建注册表客户端
func NewRPCClient(client *rpc.Client, programID string, commitment string, logger *logrus.Logger) (*RPCClient, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("注册表程序地址无效: %w", err)
	}
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	return &RPCClient{
		client:     client,
		program:    program,
		commitment: rpc.CommitmentType(commitment),
		logger:     logger,
	}, nil
}

func (c *RPCClient) FetchAccounts(ctx context.Context, keys []string) (map[string]*models.RegistryRecord, error) {
	out := make(map[string]*models.RegistryRecord)

	for start := 0; start < len(keys); start += maxAccountsPerCall {
		end := start + maxAccountsPerCall
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		pubkeys := make([]solana.PublicKey, 0, len(chunk))
		for _, k := range chunk {
			pk, err := solana.PublicKeyFromBase58(k)
			if err != nil {
				return nil, fmt.Errorf("注册表账户地址无效 %s: %w", k, err)
			}
			pubkeys = append(pubkeys, pk)
		}

		res, err := c.client.GetMultipleAccountsWithOpts(ctx, pubkeys, &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		if err != nil {
			return nil, fmt.Errorf("getMultipleAccounts 失败: %w", err)
		}

		for i, acc := range res.Value {
			if acc == nil || i >= len(chunk) || acc.Data == nil {
				continue
			}
			if !acc.Owner.Equals(c.program) {
				c.logger.WithField("key", chunk[i]).Warn("注册表账户不属于注册表程序，忽略")
				continue
			}
			record, err := DecodeReport(chunk[i], acc.Data.GetBinary())
			if err != nil {
				c.logger.WithField("key", chunk[i]).Warnf("注册表账户解析失败: %v", err)
				continue
			}
			out[chunk[i]] = record
		}
	}

	return out, nil
}

// MemoryClient 内存注册表，用于测试与离线运行
type MemoryClient struct {
	mu      sync.RWMutex
	records map[string]*models.RegistryRecord
	err     error
}

// NewMemoryClient 创建内存注册表
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{records: make(map[string]*models.RegistryRecord)}
}

// Put 按 key 写入记录
func (m *MemoryClient) Put(record *models.RegistryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Key] = record
}

// FailWith 之后的查询都返回该错误，nil 表示恢复
func (m *MemoryClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryClient) FetchAccounts(ctx context.Context, keys []string) (map[string]*models.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]*models.RegistryRecord)
	for _, k := range keys {
		if r, ok := m.records[k]; ok {
			out[k] = r
		}
	}
	return out, nil
}
