package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"noticore/internal/engine"
	"noticore/internal/notify"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(cfgPath, notify.NewConsoleSink(os.Stdout))
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-eng.Done():
	}
	_ = eng.Stop(context.Background())

	if err := eng.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
