package pipeline

import (
	"fmt"

	"drainscan/internal/config"

	"github.com/shopspring/decimal"
)

// PriceSource 资产美元参考价
type PriceSource interface {
	USD(asset string) (decimal.Decimal, bool)
}

// StaticPrices 配置文件中的固定报价
type StaticPrices map[string]decimal.Decimal

// NewStaticPrices 从配置构建报价表
func NewStaticPrices(cfg *config.PricingConfig) (StaticPrices, error) {
	prices := make(StaticPrices)
	if cfg == nil {
		return prices, nil
	}
	for _, p := range cfg.Prices {
		v, err := decimal.NewFromString(p.USD)
		if err != nil {
			return nil, fmt.Errorf("资产 %s 报价无效: %w", p.Asset, err)
		}
		prices[p.Asset] = v
	}
	return prices, nil
}

func (p StaticPrices) USD(asset string) (decimal.Decimal, bool) {
	v, ok := p[asset]
	return v, ok
}
