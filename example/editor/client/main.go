package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/codelink-dev/codelink"
	"github.com/codelink-dev/codelink/servers/editor"
)

func main() {
	port := flag.Int("port", 0, "Server port (default: newest lock file)")
	accept := flag.Bool("accept", true, "Accept diff reviews instead of rejecting them")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	lockDir, err := codelink.DefaultLockDir()
	if err != nil {
		logger.Error("failed to resolve lock dir", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if *port == 0 {
		ports, err := codelink.LockPorts(lockDir)
		if err != nil {
			logger.Error("failed to scan lock dir", slog.String("err", err.Error()))
			os.Exit(1)
		}
		if len(ports) == 0 {
			fmt.Println("no running servers found; start the server example first")
			os.Exit(1)
		}
		*port = ports[len(ports)-1]
	}

	record, err := codelink.ReadLockFile(lockDir, *port)
	if err != nil {
		logger.Error("failed to read lock file", slog.String("err", err.Error()))
		os.Exit(1)
	}

	transport := codelink.NewWSClient(
		fmt.Sprintf("ws://127.0.0.1:%d", *port),
		record.AuthToken,
		codelink.WithWSClientLogger(logger),
	)

	cli := codelink.NewClient(codelink.Info{
		Name:    "codelink-example-client",
		Version: "1.0",
	}, transport,
		codelink.WithClientLogger(logger),
		codelink.WithClientRequestHandler(func(_ context.Context, req codelink.Request) (json.RawMessage, error) {
			if req.Method != editor.MethodReviewDiff {
				return nil, codelink.RPCError{
					Code:    codelink.ErrCodeMethodNotFound,
					Message: "Method not found",
				}
			}

			var params editor.ReviewDiffParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, codelink.RPCError{
					Code:    codelink.ErrCodeInvalidParams,
					Message: "Invalid params",
				}
			}

			fmt.Printf("\nreview requested for %q:\n%s\n", params.TabName, params.UnifiedDiff)

			decision := editor.DecisionDiffRejected
			if *accept {
				decision = editor.DecisionFileSaved
			}
			fmt.Printf("replying %s\n\n", decision)

			return json.Marshal(editor.ReviewDiffResult{Decision: decision})
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		logger.Error("failed to connect", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer cli.Close()

	info := cli.ServerInfo()
	fmt.Printf("connected to %s %s on port %d\n\n", info.Name, info.Version, *port)

	tools, err := cli.ListTools(ctx)
	if err != nil {
		logger.Error("failed to list tools", slog.String("err", err.Error()))
		os.Exit(1)
	}
	fmt.Println("tools:")
	for _, tool := range tools.Tools {
		fmt.Printf("- %s\n", tool.Name)
	}
	fmt.Println()

	callTool(ctx, cli, "openFile", map[string]any{"filePath": "main.go"})
	callTool(ctx, cli, "getDiagnostics", nil)
	callTool(ctx, cli, "getWorkspaceFolders", nil)
	callTool(ctx, cli, "openDiff", map[string]any{
		"old_file_path":     "main.go",
		"new_file_path":     "main.go",
		"new_file_contents": "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n",
		"tab_name":          "review main.go",
	})
	callTool(ctx, cli, "getOpenEditors", nil)
}

func callTool(ctx context.Context, cli *codelink.Client, name string, args map[string]any) {
	result, err := cli.CallTool(ctx, codelink.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		fmt.Printf("%s failed: %v\n", name, err)
		return
	}

	for _, content := range result.Content {
		fmt.Printf("[%s] %s\n", name, content.Text)
	}
	if result.IsError {
		fmt.Printf("[%s] reported an error\n", name)
	}
}
