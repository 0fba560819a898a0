package domain

import "time"

// PositionKey 持仓唯一键
type PositionKey struct {
	Tier      Tier
	Depositor string
}

// Position 存款人在某资金池的份额，归零即删除
type Position struct {
	Tier      Tier
	Depositor string
	Shares    int64
	UpdatedAt time.Time
}

func (p *Position) Key() PositionKey {
	return PositionKey{Tier: p.Tier, Depositor: p.Depositor}
}
