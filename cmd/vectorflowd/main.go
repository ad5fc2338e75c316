// Command vectorflowd runs the vectorflow daemon with the default
// configuration lookup. It is equivalent to `vectorflow daemon`.
package main

import (
	"context"
	"errors"
	"log"

	"vectorflow/internal/config"
	"vectorflow/internal/daemonrun"
)

func main() {
	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vectorflowd: %v", err)
	}
}
