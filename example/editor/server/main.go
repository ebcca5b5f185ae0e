package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelink-dev/codelink"
	"github.com/codelink-dev/codelink/servers/editor"
)

func main() {
	workspacePath := flag.String("workspace", ".", "Workspace folder advertised to clients")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lockDir, err := codelink.DefaultLockDir()
	if err != nil {
		logger.Error("failed to resolve lock dir", slog.String("err", err.Error()))
		os.Exit(1)
	}

	transport, _, err := codelink.StartDiscovery("127.0.0.1:0", lockDir, codelink.LockRecord{
		WorkspaceFolders: []string{*workspacePath},
		IDEName:          "codelink-example",
	}, codelink.WithWSServerLogger(logger))
	if err != nil {
		logger.Error("failed to start discovery", slog.String("err", err.Error()))
		os.Exit(1)
	}
	port := transport.Port()

	workspace := editor.NewWorkspace(*workspacePath)
	workspace.AddDocument("main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")
	workspace.SetDiagnostics("main.go", []editor.Diagnostic{
		{
			FilePath: "main.go",
			Line:     3,
			Column:   1,
			Severity: "warning",
			Message:  "use fmt.Println instead of println",
			Source:   "lint",
		},
	})

	tools, err := editor.NewServer(workspace, editor.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create editor server", slog.String("err", err.Error()))
		os.Exit(1)
	}

	registry := codelink.NewToolRegistry(logger)
	if err := tools.RegisterAll(registry); err != nil {
		logger.Error("failed to register tools", slog.String("err", err.Error()))
		os.Exit(1)
	}

	srv := codelink.NewServer(codelink.Info{
		Name:    "codelink-example",
		Version: "1.0",
	}, transport, registry,
		codelink.WithInstructions("Editor tools over an in-memory workspace."),
		codelink.WithServerLogger(logger),
		codelink.WithServerOnClientConnected(func(sessID string, info codelink.Info) {
			logger.Info("client connected",
				slog.String("session", sessID), slog.String("client", info.Name))
		}),
		codelink.WithServerOnClientDisconnected(func(sessID string) {
			logger.Info("client disconnected", slog.String("session", sessID))
		}),
	)

	go srv.Serve()

	fmt.Printf("listening on 127.0.0.1:%d (lock file in %s)\n", port, lockDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", slog.String("err", err.Error()))
	}
	if err := codelink.RemoveLockFile(lockDir, port); err != nil {
		logger.Error("failed to remove lock file", slog.String("err", err.Error()))
	}
}
