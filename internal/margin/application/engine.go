package application

// Engine 保证金引擎的应用服务集合，共享同一组依赖
type Engine struct {
	Matcher     *PositionMatcher
	Scanner     *LiquidationScanner
	Expiry      *ExpiryCron
	MarginCalls *MarginCallJob
	Orders      *OrderService
	Collateral  *CollateralService
	Query       *PositionQueryService
	Manager     *Manager
	Dispatcher  *LiquidationDispatcher
	Settler     *Settler
}

// NewEngine 组装应用服务
func NewEngine(deps Dependencies) *Engine {
	pr := newProcessor(deps)
	e := &Engine{
		Matcher:     &PositionMatcher{processor: pr},
		Scanner:     &LiquidationScanner{processor: pr},
		Expiry:      &ExpiryCron{processor: pr},
		MarginCalls: &MarginCallJob{processor: pr},
		Orders:      &OrderService{processor: pr},
		Collateral:  &CollateralService{processor: pr},
		Query:       &PositionQueryService{processor: pr},
		Dispatcher:  pr.dispatcher,
		Settler:     pr.settler,
	}
	e.Manager = &Manager{
		processor:   pr,
		matcher:     e.Matcher,
		scanner:     e.Scanner,
		expiry:      e.Expiry,
		marginCalls: e.MarginCalls,
	}
	return e
}
