package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamancini/sideload/internal/cmd"
)

var (
	version     = "dev"
	versionCode = "0"
	commit      = "none"
	date        = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx, cmd.BuildInfo{
		Version:     version,
		VersionCode: versionCode,
		Commit:      commit,
		Date:        date,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
