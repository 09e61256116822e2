// Package mysql 保证金持仓、钱包与资金池的 GORM 实现。
// 所有方法优先使用 context 中的事务，FindByIDForUpdate 依赖 SELECT ... FOR UPDATE 行锁。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ongoingStatuses = []string{string(domain.PositionStatusNew), string(domain.PositionStatusOpen)}

var terminalStatuses = []string{
	string(domain.PositionStatusClosed),
	string(domain.PositionStatusLiquidated),
	string(domain.PositionStatusExpired),
	string(domain.PositionStatusCanceled),
}

type positionRepository struct {
	db *gorm.DB
}

// NewPositionRepository 创建持仓仓储
func NewPositionRepository(db *gorm.DB) domain.PositionRepository {
	return &positionRepository{db: db}
}

func getDB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

func (r *positionRepository) getDB(ctx context.Context) *gorm.DB {
	return getDB(ctx, r.db)
}

// WithTx 已在事务中时以保存点嵌套
func (r *positionRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}

func (r *positionRepository) Create(ctx context.Context, p *domain.Position) error {
	db := r.getDB(ctx)
	if err := db.Create(toPositionModel(p)).Error; err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	for _, o := range p.Orders {
		if err := db.Create(toOrderModel(o)).Error; err != nil {
			return fmt.Errorf("failed to create order %s: %w", o.ID, err)
		}
	}
	return nil
}

func (r *positionRepository) Save(ctx context.Context, p *domain.Position) error {
	return r.getDB(ctx).Save(toPositionModel(p)).Error
}

func (r *positionRepository) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	return r.find(ctx, r.getDB(ctx), id)
}

func (r *positionRepository) FindByIDForUpdate(ctx context.Context, id string) (*domain.Position, error) {
	return r.find(ctx, r.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *positionRepository) find(ctx context.Context, q *gorm.DB, id string) (*domain.Position, error) {
	var m PositionModel
	if err := q.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
		}
		return nil, err
	}
	db := r.getDB(ctx)
	var orders []PositionOrderModel
	if err := db.Where("position_id = ?", id).Order("created_at, id").Find(&orders).Error; err != nil {
		return nil, err
	}
	var requests []LiquidationRequestModel
	if err := db.Where("position_id = ?", id).Order("created_at, id").Find(&requests).Error; err != nil {
		return nil, err
	}
	return toPosition(&m, orders, requests), nil
}

func (r *positionRepository) SaveOrder(ctx context.Context, o *domain.Order) error {
	return r.getDB(ctx).Save(toOrderModel(o)).Error
}

func (r *positionRepository) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var m PositionOrderModel
	if err := r.getDB(ctx).Where("id = ?", orderID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return toOrder(&m), nil
}

func (r *positionRepository) SaveMatch(ctx context.Context, match *domain.OrderMatch) (bool, error) {
	res := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&OrderMatchModel{
		TradeID:    match.TradeID,
		OrderID:    match.OrderID,
		PositionID: match.PositionID,
		Amount:     match.Amount,
		Price:      match.Price,
		Fee:        match.Fee,
		IsMaker:    match.IsMaker,
		MatchedAt:  match.MatchedAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *positionRepository) SaveLiquidationRequest(ctx context.Context, req *domain.LiquidationRequest) error {
	return r.getDB(ctx).Save(toLiquidationRequestModel(req)).Error
}

func (r *positionRepository) GetLiquidationRequest(ctx context.Context, id string) (*domain.LiquidationRequest, error) {
	var m LiquidationRequestModel
	if err := r.getDB(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLiquidationNotFound, id)
		}
		return nil, err
	}
	return toLiquidationRequest(&m), nil
}

func (r *positionRepository) SaveFee(ctx context.Context, fee *domain.PositionFee) (bool, error) {
	res := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&PositionFeeModel{
		ID:            fee.ID,
		PositionID:    fee.PositionID,
		Date:          fee.Date,
		Amount:        fee.Amount,
		TransactionID: fee.TransactionID,
		CreatedAt:     fee.CreatedAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *positionRepository) SaveCollateralChange(ctx context.Context, c *domain.PositionCollateralChange) error {
	return r.getDB(ctx).Create(&CollateralChangeModel{
		ID:         c.ID,
		PositionID: c.PositionID,
		OldValue:   c.OldValue,
		NewValue:   c.NewValue,
		CreatedAt:  c.CreatedAt,
	}).Error
}

func (r *positionRepository) ListLiquidationCandidates(ctx context.Context, symbol string, quote domain.PriceQuote) ([]string, error) {
	var ids []string
	err := r.getDB(ctx).Model(&PositionModel{}).
		Where("symbol = ? AND status = ? AND liquidation_price > 0", symbol, string(domain.PositionStatusOpen)).
		Where("(side = ? AND liquidation_price <= ?) OR (side = ? AND liquidation_price >= ?)",
			string(domain.SideSell), quote.MaxPrice, string(domain.SideBuy), quote.MinPrice).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *positionRepository) FindOpenPositionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.getDB(ctx).Model(&PositionModel{}).
		Where("status IN ?", ongoingStatuses).
		Where("COALESCE(opened_at, created_at) < ?", cutoff).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *positionRepository) ListOngoing(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.getDB(ctx).Model(&PositionModel{}).
		Where("status IN ?", ongoingStatuses).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *positionRepository) ListUnsettled(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.getDB(ctx).Model(&PositionModel{}).
		Where("status IN ? AND pnl IS NULL", terminalStatuses).
		Order("created_at").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *positionRepository) ListOpenBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error) {
	db := r.getDB(ctx)
	var models []PositionModel
	if err := db.Where("symbol = ? AND status = ?", symbol, string(domain.PositionStatusOpen)).
		Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	var orders []PositionOrderModel
	if err := db.Where("position_id IN ?", ids).Order("created_at, id").Find(&orders).Error; err != nil {
		return nil, err
	}
	var requests []LiquidationRequestModel
	if err := db.Where("position_id IN ?", ids).Order("created_at, id").Find(&requests).Error; err != nil {
		return nil, err
	}
	ordersBy := make(map[string][]PositionOrderModel)
	for _, o := range orders {
		ordersBy[o.PositionID] = append(ordersBy[o.PositionID], o)
	}
	requestsBy := make(map[string][]LiquidationRequestModel)
	for _, q := range requests {
		requestsBy[q.PositionID] = append(requestsBy[q.PositionID], q)
	}
	out := make([]*domain.Position, len(models))
	for i := range models {
		out[i] = toPosition(&models[i], ordersBy[models[i].ID], requestsBy[models[i].ID])
	}
	return out, nil
}

func (r *positionRepository) GetActiveMarginCall(ctx context.Context, positionID string) (*domain.MarginCall, error) {
	var m MarginCallModel
	err := r.getDB(ctx).Where("position_id = ? AND is_solved = ?", positionID, false).
		Order("created_at desc").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMarginCall(&m), nil
}

func (r *positionRepository) SaveMarginCall(ctx context.Context, c *domain.MarginCall) error {
	return r.getDB(ctx).Save(&MarginCallModel{
		ID:               c.ID,
		PositionID:       c.PositionID,
		MarketPrice:      c.MarketPrice,
		LiquidationPrice: c.LiquidationPrice,
		IsSent:           c.IsSent,
		IsSolved:         c.IsSolved,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}).Error
}
