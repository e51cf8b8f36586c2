package protocol

// Channel 为通信器内部的逻辑入站通道。
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelBalance   Channel = "balance"
	ChannelCoreInput Channel = "core_input"
)

var routes = map[Action]Channel{
	ActionOrderBookUpdate: ChannelOrderBook,
	ActionCreateOrders:    ChannelCoreInput,
	ActionCancelOrders:    ChannelCoreInput,
	ActionCancelAllOrders: ChannelCoreInput,
	ActionGetOrders:       ChannelCoreInput,
	ActionOrdersUpdate:    ChannelCoreInput,
	ActionGetBalance:      ChannelBalance,
	ActionBalanceUpdate:   ChannelBalance,
}

// Route 返回 action 对应的逻辑通道。未路由的 action 返回 false。
func Route(action Action) (Channel, bool) {
	ch, ok := routes[action]
	return ch, ok
}

// Known 报告 action 是否属于协议定义的集合。
func Known(action Action) bool {
	_, ok := knownActions[action]
	return ok
}
