package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"drainscan/internal/errors"
	"drainscan/internal/validation"
	"drainscan/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	SystemProgramID        = "11111111111111111111111111111111"
	TokenProgramID         = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID     = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

	lamportDecimals = 9
	// UnlimitedAmount spl-token 授权金额 u64 最大值
	UnlimitedAmount = "18446744073709551615"
)

// Stats 单次标准化的统计
type Stats struct {
	Records     int `json:"records"`
	Events      int `json:"events"`
	Failed      int `json:"failed"`
	Unconfirmed int `json:"unconfirmed"`
	Unparseable int `json:"unparseable"`
	Invalid     int `json:"invalid"`
}

// Normalizer 把原始交易记录转换为标准化事件
type Normalizer struct {
	logger     *logrus.Logger
	validator  *validation.Validator
	errHandler *errors.ErrorHandler
}

// NewNormalizer 创建标准化器
func NewNormalizer(validator *validation.Validator, errHandler *errors.ErrorHandler, logger *logrus.Logger) *Normalizer {
	return &Normalizer{
		logger:     logger,
		validator:  validator,
		errHandler: errHandler,
	}
}

// Normalize 按记录顺序生成事件。无法解析的记录记录日志后跳过，不中断整体流程
func (n *Normalizer) Normalize(ctx context.Context, owner string, records []models.RawRecord) ([]models.TransactionEvent, Stats) {
	stats := Stats{Records: len(records)}
	var events []models.TransactionEvent

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}

		tx, err := decode(rec)
		if err != nil {
			stats.Unparseable++
			n.errHandler.HandleError(ctx, errors.NewUnparseableError(err, rec.Signature).
				WithComponent("normalizer").
				WithAddress(owner))
			continue
		}
		if tx.BlockTime == nil {
			stats.Unconfirmed++
			continue
		}
		if tx.Meta.Err != nil {
			stats.Failed++
			continue
		}

		for _, ev := range extract(owner, rec.Signature, tx) {
			ev := ev
			if result := n.validator.ValidateEvent(&ev); !result.Valid {
				stats.Invalid++
				n.logger.WithField("signature", rec.Signature).Debugf("丢弃无效事件: %v", result.Errors)
				continue
			}
			events = append(events, ev)
		}
	}

	stats.Events = len(events)
	return events, stats
}

// decode 解析 jsonParsed 编码的 getTransaction 结果
func decode(rec models.RawRecord) (*rpc.GetParsedTransactionResult, error) {
	if len(rec.Data) == 0 {
		return nil, fmt.Errorf("交易数据为空")
	}
	var tx rpc.GetParsedTransactionResult
	if err := json.Unmarshal(rec.Data, &tx); err != nil {
		return nil, err
	}
	if tx.Meta == nil {
		return nil, fmt.Errorf("缺少 meta 字段")
	}
	if tx.Transaction == nil || len(tx.Transaction.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("缺少 transaction.message 字段")
	}
	if tx.BlockTime == nil && rec.BlockTime != nil {
		bt := solana.UnixTimeSeconds(*rec.BlockTime)
		tx.BlockTime = &bt
	}
	if tx.Slot == 0 {
		tx.Slot = rec.Slot
	}
	return &tx, nil
}

// txContext 单笔交易的解析上下文
type txContext struct {
	owner     string
	signature string
	tx        *rpc.GetParsedTransactionResult
	keys      []string
	// lamports，与 keys 一一对应
	preBalances, postBalances []int64
	preTokens, postTokens     []tokenBalance
	// 代币账户 -> (mint, owner, decimals)
	tokenAccounts map[string]tokenAccount
	instructions  []instruction
	programID     string
}

type tokenAccount struct {
	mint     string
	owner    string
	decimals int32
}

func newTxContext(owner, signature string, tx *rpc.GetParsedTransactionResult) *txContext {
	c := &txContext{
		owner:         owner,
		signature:     signature,
		tx:            tx,
		preBalances:   lamports(tx.Meta.PreBalances),
		postBalances:  lamports(tx.Meta.PostBalances),
		preTokens:     flattenTokenBalances(tx.Meta.PreTokenBalances),
		postTokens:    flattenTokenBalances(tx.Meta.PostTokenBalances),
		tokenAccounts: make(map[string]tokenAccount),
	}

	// jsonParsed 编码下 accountKeys 已包含地址表加载的账户
	for _, k := range tx.Transaction.Message.AccountKeys {
		c.keys = append(c.keys, k.PublicKey.String())
	}

	for _, list := range [][]tokenBalance{c.preTokens, c.postTokens} {
		for _, tb := range list {
			if tb.AccountIndex < 0 || tb.AccountIndex >= len(c.keys) {
				continue
			}
			c.tokenAccounts[c.keys[tb.AccountIndex]] = tokenAccount{
				mint:     tb.Mint,
				owner:    tb.Owner,
				decimals: tb.Decimals,
			}
		}
	}

	for _, ix := range tx.Transaction.Message.Instructions {
		if ix == nil {
			continue
		}
		parsed := newInstruction(ix)
		c.instructions = append(c.instructions, parsed)
		if c.programID == "" && parsed.ProgramID != ComputeBudgetProgramID {
			c.programID = parsed.ProgramID
		}
	}
	for _, inner := range tx.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			if ix != nil {
				c.instructions = append(c.instructions, newInstruction(ix))
			}
		}
	}
	return c
}

func lamports(balances []uint64) []int64 {
	out := make([]int64, len(balances))
	for i, b := range balances {
		out[i] = int64(b)
	}
	return out
}

func (c *txContext) newEvent(kind models.EventKind, asset string, amount decimal.Decimal, dir models.Direction) models.TransactionEvent {
	return models.TransactionEvent{
		Signature: c.signature,
		Slot:      c.tx.Slot,
		Timestamp: int64(*c.tx.BlockTime),
		Kind:      kind,
		Asset:     asset,
		Amount:    amount,
		Direction: dir,
		ProgramID: c.programID,
	}
}

// walletOf 把代币账户解析为钱包地址，非代币账户原样返回
func (c *txContext) walletOf(account string) string {
	if ta, ok := c.tokenAccounts[account]; ok && ta.owner != "" {
		return ta.owner
	}
	return account
}

func extract(owner, signature string, tx *rpc.GetParsedTransactionResult) []models.TransactionEvent {
	c := newTxContext(owner, signature, tx)

	var events []models.TransactionEvent
	events = append(events, c.nativeEvents()...)
	events = append(events, c.tokenEvents()...)
	events = append(events, c.instructionEvents()...)
	return events
}

// nativeEvents SOL 余额变化，手续费由付费方承担的部分加回
func (c *txContext) nativeEvents() []models.TransactionEvent {
	idx := -1
	for i, k := range c.keys {
		if k == c.owner {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(c.preBalances) || idx >= len(c.postBalances) {
		return nil
	}

	delta := c.postBalances[idx] - c.preBalances[idx]
	if idx == 0 {
		delta += int64(c.tx.Meta.Fee)
	}

	if delta == 0 {
		// 余额不变但存在自转账
		if amount, ok := c.selfSystemTransfer(); ok {
			ev := c.newEvent(models.EventKindTransfer, models.NativeAsset, amount, models.DirectionNone)
			ev.Counterparty = c.owner
			ev.InstructionTag = "transfer"
			return []models.TransactionEvent{ev}
		}
		return nil
	}

	dir := models.DirectionIn
	if delta < 0 {
		dir = models.DirectionOut
	}
	ev := c.newEvent(models.EventKindTransfer, models.NativeAsset, decimal.NewFromInt(abs(delta)).Shift(-lamportDecimals), dir)
	ev.Counterparty, ev.InstructionTag = c.nativeCounterparty(idx, dir)
	return []models.TransactionEvent{ev}
}

func (c *txContext) selfSystemTransfer() (decimal.Decimal, bool) {
	for _, ix := range c.instructions {
		if ix.ProgramID != SystemProgramID {
			continue
		}
		b, ok := ix.body()
		if !ok || (b.Type != "transfer" && b.Type != "transferWithSeed") {
			continue
		}
		info, err := b.info()
		if err != nil || info.Lamports == nil {
			continue
		}
		if info.Source == c.owner && info.Destination == c.owner {
			return decimal.NewFromInt(int64(*info.Lamports)).Shift(-lamportDecimals), true
		}
	}
	return decimal.Zero, false
}

// nativeCounterparty 优先使用系统转账指令，其次取反向变化最大的账户
func (c *txContext) nativeCounterparty(ownerIdx int, dir models.Direction) (string, string) {
	var best string
	var bestLamports uint64
	for _, ix := range c.instructions {
		if ix.ProgramID != SystemProgramID {
			continue
		}
		b, ok := ix.body()
		if !ok || (b.Type != "transfer" && b.Type != "transferWithSeed") {
			continue
		}
		info, err := b.info()
		if err != nil || info.Lamports == nil {
			continue
		}
		var other string
		switch {
		case dir == models.DirectionOut && info.Source == c.owner && info.Destination != c.owner:
			other = info.Destination
		case dir == models.DirectionIn && info.Destination == c.owner && info.Source != c.owner:
			other = info.Source
		default:
			continue
		}
		if *info.Lamports > bestLamports {
			best, bestLamports = other, *info.Lamports
		}
	}
	if best != "" {
		return best, "transfer"
	}

	var bestDelta int64
	for i := range c.keys {
		if i == ownerIdx || i >= len(c.preBalances) || i >= len(c.postBalances) {
			continue
		}
		d := c.postBalances[i] - c.preBalances[i]
		if dir == models.DirectionIn {
			d = -d
		}
		if d > bestDelta {
			best, bestDelta = c.keys[i], d
		}
	}
	// 新建代币账户的租金流向该账户，归属到账户持有人
	return c.walletOf(best), ""
}

// tokenEvents 按 mint 汇总被分析地址名下代币账户的余额变化
func (c *txContext) tokenEvents() []models.TransactionEvent {
	type mintDelta struct {
		delta    decimal.Decimal
		decimals int32
		accounts map[string]struct{}
	}
	deltas := make(map[string]*mintDelta)
	add := func(tb tokenBalance, sign int64) {
		if tb.Owner != c.owner {
			return
		}
		amount, err := decimal.NewFromString(tb.Amount)
		if err != nil {
			return
		}
		d, ok := deltas[tb.Mint]
		if !ok {
			d = &mintDelta{decimals: tb.Decimals, accounts: make(map[string]struct{})}
			deltas[tb.Mint] = d
		}
		d.delta = d.delta.Add(amount.Mul(decimal.NewFromInt(sign)))
		if tb.AccountIndex >= 0 && tb.AccountIndex < len(c.keys) {
			d.accounts[c.keys[tb.AccountIndex]] = struct{}{}
		}
	}
	for _, tb := range c.preTokens {
		add(tb, -1)
	}
	for _, tb := range c.postTokens {
		add(tb, 1)
	}

	mints := make([]string, 0, len(deltas))
	for m := range deltas {
		mints = append(mints, m)
	}
	sort.Strings(mints)

	var events []models.TransactionEvent
	for _, mint := range mints {
		d := deltas[mint]
		if d.delta.IsZero() {
			if amount, ok := c.selfTokenTransfer(d.accounts); ok {
				ev := c.newEvent(models.EventKindTransfer, mint, amount.Shift(-d.decimals), models.DirectionNone)
				ev.Counterparty = c.owner
				ev.InstructionTag = "transfer"
				events = append(events, ev)
			}
			continue
		}

		dir := models.DirectionIn
		if d.delta.IsNegative() {
			dir = models.DirectionOut
		}
		ev := c.newEvent(models.EventKindTransfer, mint, d.delta.Abs().Shift(-d.decimals), dir)
		ev.Counterparty, ev.InstructionTag = c.tokenCounterparty(mint, d.accounts, dir)
		events = append(events, ev)
	}
	return events
}

func isTokenProgram(programID string) bool {
	return programID == TokenProgramID || programID == Token2022ProgramID
}

func isTokenTransfer(t string) bool {
	return t == "transfer" || t == "transferChecked"
}

func (c *txContext) selfTokenTransfer(accounts map[string]struct{}) (decimal.Decimal, bool) {
	for _, ix := range c.instructions {
		if !isTokenProgram(ix.ProgramID) {
			continue
		}
		b, ok := ix.body()
		if !ok || !isTokenTransfer(b.Type) {
			continue
		}
		info, err := b.info()
		if err != nil {
			continue
		}
		_, srcOwned := accounts[info.Source]
		_, dstOwned := accounts[info.Destination]
		if srcOwned && dstOwned {
			amount, err := decimal.NewFromString(info.rawAmount())
			if err == nil {
				return amount, true
			}
		}
	}
	return decimal.Zero, false
}

func (c *txContext) tokenCounterparty(mint string, owned map[string]struct{}, dir models.Direction) (string, string) {
	var best string
	bestAmount := decimal.Zero
	var tag string
	for _, ix := range c.instructions {
		if !isTokenProgram(ix.ProgramID) {
			continue
		}
		b, ok := ix.body()
		if !ok || !isTokenTransfer(b.Type) {
			continue
		}
		info, err := b.info()
		if err != nil {
			continue
		}
		_, srcOwned := owned[info.Source]
		_, dstOwned := owned[info.Destination]
		var other string
		switch {
		case dir == models.DirectionOut && srcOwned && !dstOwned:
			other = info.Destination
		case dir == models.DirectionIn && dstOwned && !srcOwned:
			other = info.Source
		default:
			continue
		}
		if ta, ok := c.tokenAccounts[other]; ok && ta.mint != mint {
			continue
		}
		amount, err := decimal.NewFromString(info.rawAmount())
		if err != nil {
			continue
		}
		if best == "" || amount.GreaterThan(bestAmount) {
			best, bestAmount, tag = c.walletOf(other), amount, b.Type
		}
	}
	if best != "" {
		return best, tag
	}

	// 回退：同一 mint 下反向变化最大的其他持有人
	changes := make(map[string]decimal.Decimal)
	for _, tb := range c.preTokens {
		if tb.Mint == mint && tb.Owner != c.owner {
			if a, err := decimal.NewFromString(tb.Amount); err == nil {
				changes[tb.Owner] = changes[tb.Owner].Sub(a)
			}
		}
	}
	for _, tb := range c.postTokens {
		if tb.Mint == mint && tb.Owner != c.owner {
			if a, err := decimal.NewFromString(tb.Amount); err == nil {
				changes[tb.Owner] = changes[tb.Owner].Add(a)
			}
		}
	}
	owners := make([]string, 0, len(changes))
	for o := range changes {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	for _, o := range owners {
		d := changes[o]
		if dir == models.DirectionIn {
			d = d.Neg()
		}
		if d.IsPositive() && (best == "" || d.GreaterThan(bestAmount)) {
			best, bestAmount = o, d
		}
	}
	return best, ""
}

// instructionEvents 授权与权限变更
func (c *txContext) instructionEvents() []models.TransactionEvent {
	var events []models.TransactionEvent
	for _, ix := range c.instructions {
		b, ok := ix.body()
		if !ok {
			continue
		}
		info, err := b.info()
		if err != nil {
			continue
		}

		switch {
		case isTokenProgram(ix.ProgramID) && (b.Type == "approve" || b.Type == "approveChecked"):
			if info.Owner != c.owner {
				continue
			}
			events = append(events, c.approvalEvent(b.Type, info))

		case isTokenProgram(ix.ProgramID) && b.Type == "setAuthority":
			if info.Authority != c.owner {
				continue
			}
			target := info.Account
			if target == "" {
				target = info.Mint
			}
			asset := target
			if ta, ok := c.tokenAccounts[target]; ok {
				asset = ta.mint
			}
			ev := c.newEvent(models.EventKindAuthorityChange, asset, decimal.Zero, models.DirectionNone)
			if info.NewAuthority != nil {
				ev.Counterparty = *info.NewAuthority
			}
			ev.InstructionTag = "setAuthority:" + info.AuthorityType
			events = append(events, ev)

		case ix.ProgramID == SystemProgramID && b.Type == "assign":
			if info.Account != c.owner {
				continue
			}
			ev := c.newEvent(models.EventKindAuthorityChange, models.NativeAsset, decimal.Zero, models.DirectionNone)
			ev.Counterparty = info.Owner
			ev.InstructionTag = "assign"
			events = append(events, ev)
		}
	}
	return events
}

func (c *txContext) approvalEvent(tag string, info *instructionInfo) models.TransactionEvent {
	asset := info.Mint
	var decimals int32 = -1
	if ta, ok := c.tokenAccounts[info.Source]; ok {
		if asset == "" {
			asset = ta.mint
		}
		decimals = ta.decimals
	}
	if info.TokenAmount != nil && info.TokenAmount.Decimals != nil {
		decimals = *info.TokenAmount.Decimals
	}
	if asset == "" {
		asset = info.Source
	}

	raw := info.rawAmount()
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		amount = decimal.Zero
	}
	if decimals >= 0 {
		amount = amount.Shift(-decimals)
	}

	ev := c.newEvent(models.EventKindApproval, asset, amount, models.DirectionNone)
	ev.Counterparty = info.Delegate
	ev.InstructionTag = tag
	ev.Unlimited = raw == UnlimitedAmount
	return ev
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
