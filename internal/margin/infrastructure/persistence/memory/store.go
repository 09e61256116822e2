// Package memory 保证金引擎的内存实现：持仓仓储、钱包与资金池账本、发件箱、价格源与锁。
// 事务串行执行，失败时回滚到事务开始时的快照，用于测试与单机演示。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// Published 已提交的发件箱消息
type Published struct {
	Topic   string
	Key     string
	Payload any
}

type walletKey struct {
	userID   string
	currency string
}

type state struct {
	positions    map[string]*domain.Position
	matches      map[string]domain.OrderMatch
	fees         map[string]domain.PositionFee
	changes      []domain.PositionCollateralChange
	marginCalls  map[string]domain.MarginCall
	wallets      map[walletKey]domain.Wallet
	transactions map[string]domain.Transaction
	txOrder      []string
	pools        map[string]domain.LiquidityPool
	outbox       []Published
}

func newState() *state {
	return &state{
		positions:    make(map[string]*domain.Position),
		matches:      make(map[string]domain.OrderMatch),
		fees:         make(map[string]domain.PositionFee),
		marginCalls:  make(map[string]domain.MarginCall),
		wallets:      make(map[walletKey]domain.Wallet),
		transactions: make(map[string]domain.Transaction),
		pools:        make(map[string]domain.LiquidityPool),
	}
}

func (s *state) clone() *state {
	cp := newState()
	for k, v := range s.positions {
		cp.positions[k] = v.Clone()
	}
	for k, v := range s.matches {
		cp.matches[k] = v
	}
	for k, v := range s.fees {
		cp.fees[k] = v
	}
	cp.changes = append(cp.changes, s.changes...)
	for k, v := range s.marginCalls {
		cp.marginCalls[k] = v
	}
	for k, v := range s.wallets {
		cp.wallets[k] = v
	}
	for k, v := range s.transactions {
		cp.transactions[k] = v
	}
	cp.txOrder = append(cp.txOrder, s.txOrder...)
	for k, v := range s.pools {
		cp.pools[k] = v
	}
	cp.outbox = append(cp.outbox, s.outbox...)
	return cp
}

type txKey struct{}

// Store 内存存储
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *state
}

// NewStore 创建空存储
func NewStore() *Store {
	return &Store{st: newState()}
}

// WithTx 事务内调用时以快照模拟保存点
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, _ := ctx.Value(txKey{}).(*Store); owner != s {
		s.txMu.Lock()
		defer s.txMu.Unlock()
		ctx = context.WithValue(ctx, txKey{}, s)
	}
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// ---- PositionRepository ----

func (s *Store) Create(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	s.st.positions[p.ID] = p.Clone()
	return nil
}

func (s *Store) Save(_ context.Context, p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.st.positions[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, p.ID)
	}
	cp := p.Clone()
	cp.Orders = stored.Orders
	cp.LiquidationRequests = stored.LiquidationRequests
	s.st.positions[p.ID] = cp
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	cp := p.Clone()
	cp.InitFSM()
	return cp, nil
}

// FindByIDForUpdate 事务串行执行，无需额外行锁
func (s *Store) FindByIDForUpdate(ctx context.Context, id string) (*domain.Position, error) {
	return s.FindByID(ctx, id)
}

func (s *Store) SaveOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.positions[o.PositionID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, o.PositionID)
	}
	oc := *o
	for i, existing := range p.Orders {
		if existing.ID == o.ID {
			p.Orders[i] = &oc
			return nil
		}
	}
	p.Orders = append(p.Orders, &oc)
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.positions {
		for _, o := range p.Orders {
			if o.ID == orderID {
				oc := *o
				return &oc, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
}

func (s *Store) SaveMatch(_ context.Context, m *domain.OrderMatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.matches[m.TradeID]; ok {
		return false, nil
	}
	s.st.matches[m.TradeID] = *m
	return true, nil
}

func (s *Store) SaveLiquidationRequest(_ context.Context, req *domain.LiquidationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.positions[req.PositionID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, req.PositionID)
	}
	rc := *req
	for i, existing := range p.LiquidationRequests {
		if existing.ID == req.ID {
			p.LiquidationRequests[i] = &rc
			return nil
		}
	}
	p.LiquidationRequests = append(p.LiquidationRequests, &rc)
	return nil
}

func (s *Store) GetLiquidationRequest(_ context.Context, id string) (*domain.LiquidationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.positions {
		for _, r := range p.LiquidationRequests {
			if r.ID == id {
				rc := *r
				return &rc, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrLiquidationNotFound, id)
}

func feeKey(positionID string, date time.Time) string {
	return positionID + ":" + date.Format(time.DateOnly)
}

func (s *Store) SaveFee(_ context.Context, fee *domain.PositionFee) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := feeKey(fee.PositionID, fee.Date)
	if _, ok := s.st.fees[key]; ok {
		return false, nil
	}
	s.st.fees[key] = *fee
	return true, nil
}

func (s *Store) SaveCollateralChange(_ context.Context, c *domain.PositionCollateralChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.changes = append(s.st.changes, *c)
	return nil
}

// positionIDs 按创建时间排序筛选持仓，调用方持有 mu
func (s *Store) positionIDs(match func(p *domain.Position) bool) []string {
	var ps []*domain.Position
	for _, p := range s.st.positions {
		if match(p) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func (s *Store) ListLiquidationCandidates(_ context.Context, symbol string, quote domain.PriceQuote) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionIDs(func(p *domain.Position) bool {
		if p.Symbol != symbol || p.Status != domain.PositionStatusOpen || !p.LiquidationPrice.IsPositive() {
			return false
		}
		if p.IsShort() {
			return p.LiquidationPrice.LessThanOrEqual(quote.MaxPrice)
		}
		return p.LiquidationPrice.GreaterThanOrEqual(quote.MinPrice)
	}), nil
}

func (s *Store) FindOpenPositionsOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionIDs(func(p *domain.Position) bool {
		if !p.Status.IsOngoing() {
			return false
		}
		ref := p.CreatedAt
		if p.OpenedAt != nil {
			ref = *p.OpenedAt
		}
		return ref.Before(cutoff)
	}), nil
}

func (s *Store) ListOngoing(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionIDs(func(p *domain.Position) bool { return p.Status.IsOngoing() }), nil
}

func (s *Store) ListUnsettled(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionIDs(func(p *domain.Position) bool { return p.Status.IsTerminal() && !p.PNL.Valid }), nil
}

func (s *Store) ListOpenBySymbol(_ context.Context, symbol string) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.positionIDs(func(p *domain.Position) bool {
		return p.Symbol == symbol && p.Status == domain.PositionStatusOpen
	})
	out := make([]*domain.Position, len(ids))
	for i, id := range ids {
		out[i] = s.st.positions[id].Clone()
		out[i].InitFSM()
	}
	return out, nil
}

func (s *Store) GetActiveMarginCall(_ context.Context, positionID string) (*domain.MarginCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.MarginCall
	for _, c := range s.st.marginCalls {
		if c.PositionID != positionID || c.IsSolved {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			cc := c
			latest = &cc
		}
	}
	return latest, nil
}

func (s *Store) SaveMarginCall(_ context.Context, c *domain.MarginCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.marginCalls[c.ID] = *c
	return nil
}

// MarginCalls 持仓的全部追保提醒
func (s *Store) MarginCalls(positionID string) []domain.MarginCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MarginCall
	for _, c := range s.st.marginCalls {
		if c.PositionID == positionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Fees 持仓的展期费记录
func (s *Store) Fees(positionID string) []domain.PositionFee {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PositionFee
	for _, f := range s.st.fees {
		if f.PositionID == positionID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// CollateralChanges 持仓的保证金调整记录
func (s *Store) CollateralChanges(positionID string) []domain.PositionCollateralChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PositionCollateralChange
	for _, c := range s.st.changes {
		if c.PositionID == positionID {
			out = append(out, c)
		}
	}
	return out
}

// ---- WalletLedger ----

func (s *Store) Wallet(_ context.Context, userID, currency string) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet(userID, currency), nil
}

func (s *Store) wallet(userID, currency string) domain.Wallet {
	w, ok := s.st.wallets[walletKey{userID, currency}]
	if !ok {
		return domain.Wallet{UserID: userID, Currency: currency}
	}
	return w
}

func (s *Store) Block(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return s.Unblock(ctx, userID, currency, amount.Neg())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(userID, currency)
	if w.Active().LessThan(amount) {
		return fmt.Errorf("%w: user %s %s active %s, required %s",
			domain.ErrInsufficientBalance, userID, currency, w.Active(), amount)
	}
	w.Blocked = w.Blocked.Add(amount)
	s.st.wallets[walletKey{userID, currency}] = w
	return nil
}

func (s *Store) Unblock(_ context.Context, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(userID, currency)
	if amount.GreaterThan(w.Blocked) {
		amount = w.Blocked
	}
	w.Blocked = w.Blocked.Sub(amount)
	s.st.wallets[walletKey{userID, currency}] = w
	return nil
}

func (s *Store) CreateTransaction(_ context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := tx.RefModule + "|" + tx.RefID
	if existing, ok := s.st.transactions[ref]; ok {
		return &existing, nil
	}
	w := s.wallet(tx.UserID, tx.Currency)
	w.Balance = w.Balance.Add(tx.Amount)
	s.st.wallets[walletKey{tx.UserID, tx.Currency}] = w
	s.st.transactions[ref] = *tx
	s.st.txOrder = append(s.st.txOrder, ref)
	out := *tx
	return &out, nil
}

// Deposit 直接设置钱包余额，测试与演示用
func (s *Store) Deposit(userID, currency string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(userID, currency)
	w.Balance = w.Balance.Add(amount)
	s.st.wallets[walletKey{userID, currency}] = w
}

// Transactions 用户的流水，按记账顺序
func (s *Store) Transactions(userID string) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, ref := range s.st.txOrder {
		if tx := s.st.transactions[ref]; tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out
}

// ---- PoolLedger ----

// AddPool 写入资金池
func (s *Store) AddPool(pool domain.LiquidityPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pools[pool.Currency] = pool
}

func (s *Store) GetPool(_ context.Context, currency string) (*domain.LiquidityPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.st.pools[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, currency)
	}
	return &pool, nil
}

func (s *Store) Reserve(_ context.Context, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.st.pools[currency]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, currency)
	}
	if !pool.Active {
		return fmt.Errorf("%w: %s", domain.ErrPoolInactive, currency)
	}
	available := s.wallet(pool.ManagerID, currency).Balance.Sub(pool.Reserved)
	if amount.GreaterThan(available) {
		return fmt.Errorf("%w: %s available %s, required %s", domain.ErrInsufficientPool, currency, available, amount)
	}
	pool.Reserved = pool.Reserved.Add(amount)
	s.st.pools[currency] = pool
	return nil
}

func (s *Store) Release(_ context.Context, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.st.pools[currency]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPoolNotFound, currency)
	}
	pool.Reserved = pool.Reserved.Sub(amount)
	if pool.Reserved.IsNegative() {
		pool.Reserved = decimal.Zero
	}
	s.st.pools[currency] = pool
	return nil
}

func (s *Store) AvailableBalance(_ context.Context, currency string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.st.pools[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, currency)
	}
	return s.wallet(pool.ManagerID, currency).Balance.Sub(pool.Reserved), nil
}

// ---- EventPublisher ----

func (s *Store) Publish(_ context.Context, topic, key string, event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.outbox = append(s.st.outbox, Published{Topic: topic, Key: key, Payload: event})
	return nil
}

// PublishInTx 消息随事务快照一起回滚
func (s *Store) PublishInTx(ctx context.Context, _ any, topic, key string, event any) error {
	return s.Publish(ctx, topic, key, event)
}

// Outbox 已提交的消息
func (s *Store) Outbox() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.st.outbox...)
}

// OutboxOf 指定主题的消息
func (s *Store) OutboxOf(topic string) []Published {
	var out []Published
	for _, m := range s.Outbox() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

var (
	_ domain.PositionRepository = (*Store)(nil)
	_ domain.WalletLedger       = (*Store)(nil)
	_ domain.PoolLedger         = (*Store)(nil)
	_ domain.EventPublisher     = (*Store)(nil)
)
