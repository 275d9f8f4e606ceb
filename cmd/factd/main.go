package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/InsulaLabs/fact/runtime"
)

func main() {
	rt, err := runtime.New(os.Args[1:], "fact.yaml")
	if errors.Is(err, runtime.ErrConfigGenerated) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
