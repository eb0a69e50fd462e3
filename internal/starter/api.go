package starter

import (
	"context"

	"moff.io/wallet-gateway/internal/config"
)

type Startable interface {
	Start(ctx context.Context)
}

type Configurable interface {
	Apply(*config.Configuration)
}

// Start 按顺序应用全局配置并启动组件
func Start(ctx context.Context, elems ...Startable) {
	for _, ele := range elems {
		if configurable, ok := ele.(Configurable); ok && config.Global != nil {
			configurable.Apply(config.Global)
		}
		ele.Start(ctx)
	}
}

type Stopable interface {
	Stop()
}

// Stop 按启动的逆序停止组件
func Stop(elems ...Stopable) {
	for i := len(elems) - 1; i >= 0; i-- {
		if elems[i] != nil {
			elems[i].Stop()
		}
	}
}
