// Command chimerad 运行 Chimera 蜂群的 Planner、Worker、Judge 与 API。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Chimera-Swarm/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chimerad 运行失败: %v\n", err)
		os.Exit(1)
	}
}
