package normalizer

import (
	"encoding/json"

	"github.com/gagliardetto/solana-go/rpc"
)

// 交易外层结构使用 rpc.GetParsedTransactionResult；
// 指令参数随程序与指令类型变化，solana-go 只给出 map，这里按关心的字段解码

// tokenBalance 展平后的代币余额
type tokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       string
	Decimals     int32
}

func flattenTokenBalances(list []rpc.TokenBalance) []tokenBalance {
	out := make([]tokenBalance, 0, len(list))
	for _, tb := range list {
		b := tokenBalance{
			AccountIndex: int(tb.AccountIndex),
			Mint:         tb.Mint.String(),
		}
		if tb.Owner != nil {
			b.Owner = tb.Owner.String()
		}
		if tb.UiTokenAmount != nil {
			b.Amount = tb.UiTokenAmount.Amount
			b.Decimals = int32(tb.UiTokenAmount.Decimals)
		}
		out = append(out, b)
	}
	return out
}

// instruction 指令的程序地址与解析结果
type instruction struct {
	ProgramID string
	parsed    *parsedBody
}

type parsedBody struct {
	Type string          `json:"type"`
	Info json.RawMessage `json:"info"`
}

func newInstruction(ix *rpc.ParsedInstruction) instruction {
	out := instruction{ProgramID: ix.ProgramId.String()}
	if ix.Parsed == nil {
		return out
	}
	// InstructionInfoEnvelope 不导出解析结果，只能经由它自己的 JSON 编码取回
	raw, err := json.Marshal(ix.Parsed)
	if err != nil || len(raw) == 0 || raw[0] != '{' {
		return out
	}
	var b parsedBody
	if err := json.Unmarshal(raw, &b); err != nil || b.Type == "" {
		return out
	}
	out.parsed = &b
	return out
}

// body 返回解析后的指令类型与参数，未解析的指令返回 false
func (ix *instruction) body() (*parsedBody, bool) {
	return ix.parsed, ix.parsed != nil
}

type tokenAmountInfo struct {
	Amount   string `json:"amount"`
	Decimals *int32 `json:"decimals"`
}

// instructionInfo 本服务关心的指令参数并集
type instructionInfo struct {
	Source        string           `json:"source"`
	Destination   string           `json:"destination"`
	Lamports      *uint64          `json:"lamports"`
	Amount        string           `json:"amount"`
	TokenAmount   *tokenAmountInfo `json:"tokenAmount"`
	Mint          string           `json:"mint"`
	Authority     string           `json:"authority"`
	MultisigAuth  string           `json:"multisigAuthority"`
	Owner         string           `json:"owner"`
	Delegate      string           `json:"delegate"`
	Account       string           `json:"account"`
	NewAuthority  *string          `json:"newAuthority"`
	AuthorityType string           `json:"authorityType"`
}

func (b *parsedBody) info() (*instructionInfo, error) {
	var info instructionInfo
	if len(b.Info) == 0 {
		return &info, nil
	}
	if err := json.Unmarshal(b.Info, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// rawAmount 返回原始整数金额字符串
func (i *instructionInfo) rawAmount() string {
	if i.TokenAmount != nil && i.TokenAmount.Amount != "" {
		return i.TokenAmount.Amount
	}
	return i.Amount
}
