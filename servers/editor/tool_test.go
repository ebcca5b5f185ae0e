package editor_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/codelink-dev/codelink"
	"github.com/codelink-dev/codelink/servers/editor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEditorRegistry registers the editor tools over the workspace and
// returns the registry they live in.
func newEditorRegistry(t *testing.T, ws *editor.Workspace) *codelink.ToolRegistry {
	t.Helper()

	srv, err := editor.NewServer(ws, editor.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("failed to create editor server: %v", err)
	}

	registry := codelink.NewToolRegistry(testLogger())
	if err := srv.RegisterAll(registry); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}
	t.Cleanup(registry.Close)
	return registry
}

func callTool(
	t *testing.T,
	registry *codelink.ToolRegistry,
	name string,
	args map[string]any,
	requestClient codelink.RequestClientFunc,
) codelink.CallToolResult {
	t.Helper()

	result, err := registry.Call(context.Background(),
		codelink.CallToolParams{Name: name, Arguments: args}, requestClient)
	if err != nil {
		t.Fatalf("failed to call %s: %v", name, err)
	}
	return result
}

func textOf(t *testing.T, result codelink.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result carries no content")
	}
	return result.Content[0].Text
}

func TestOpenFileTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "package a\n")
	registry := newEditorRegistry(t, ws)

	result := callTool(t, registry, "openFile", map[string]any{"filePath": "/ws/a.go"}, nil)
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, result))
	}
	if got := textOf(t, result); got != "Opened file: /ws/a.go" {
		t.Errorf("Got %q", got)
	}

	// makeFrontmost defaults to true.
	tabs, err := ws.OpenEditors(context.Background())
	if err != nil {
		t.Fatalf("failed to list editors: %v", err)
	}
	if len(tabs) != 1 || !tabs[0].Active {
		t.Errorf("Got tabs %+v, want an active /ws/a.go", tabs)
	}

	callTool(t, registry, "openFile", map[string]any{
		"filePath":      "/ws/b.go",
		"makeFrontmost": false,
		"preview":       true,
	}, nil)

	tabs, err = ws.OpenEditors(context.Background())
	if err != nil {
		t.Fatalf("failed to list editors: %v", err)
	}
	for _, tab := range tabs {
		if tab.FilePath == "/ws/b.go" && tab.Active {
			t.Error("preview open must not steal focus")
		}
	}
}

func TestOpenFileToolValidation(t *testing.T) {
	registry := newEditorRegistry(t, editor.NewWorkspace("/ws"))

	cases := []struct {
		name string
		args map[string]any
	}{
		{"MissingFilePath", map[string]any{}},
		{"WrongType", map[string]any{"filePath": 7}},
		{"UnknownProperty", map[string]any{"filePath": "/ws/a.go", "surprise": true}},
		{"LineBelowMinimum", map[string]any{"filePath": "/ws/a.go", "startLine": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Call(context.Background(),
				codelink.CallToolParams{Name: "openFile", Arguments: tc.args}, nil)
			var rpcErr codelink.RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != codelink.ErrCodeInvalidParams {
				t.Errorf("Got %v, want invalid params", err)
			}
		})
	}
}

func TestOpenDiffToolAccept(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "hello\nworld\n")
	registry := newEditorRegistry(t, ws)

	var review codelink.Request
	requestClient := func(_ context.Context, req codelink.Request) (codelink.Response, error) {
		review = req
		return codelink.Response{Result: json.RawMessage(`{"decision":"FILE_SAVED"}`)}, nil
	}

	result := callTool(t, registry, "openDiff", map[string]any{
		"old_file_path":     "/ws/a.go",
		"new_file_path":     "/ws/a.go",
		"new_file_contents": "hello\nplanet\n",
		"tab_name":          "review-1",
	}, requestClient)

	if review.Method != editor.MethodReviewDiff {
		t.Fatalf("Got review method %q, want %s", review.Method, editor.MethodReviewDiff)
	}
	var params editor.ReviewDiffParams
	if err := json.Unmarshal(review.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal review params: %v", err)
	}
	if params.TabName != "review-1" || params.OldFilePath != "/ws/a.go" {
		t.Errorf("Got review params %+v", params)
	}
	if !strings.HasPrefix(params.UnifiedDiff, "--- /ws/a.go\n+++ /ws/a.go\n") {
		t.Errorf("Got diff header %q", params.UnifiedDiff)
	}
	if !strings.Contains(params.UnifiedDiff, "-world") || !strings.Contains(params.UnifiedDiff, "+planet") {
		t.Errorf("Got diff %q, want the changed lines", params.UnifiedDiff)
	}

	if result.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, result))
	}
	if len(result.Content) != 2 {
		t.Fatalf("Got %d content blocks, want 2", len(result.Content))
	}
	if result.Content[0].Text != editor.DecisionFileSaved {
		t.Errorf("Got decision %q", result.Content[0].Text)
	}
	if result.Content[1].Text != "hello\nplanet\n" {
		t.Errorf("Got contents %q", result.Content[1].Text)
	}

	// Accepting writes the new contents and drops the diff tab.
	contents, err := ws.Contents(context.Background(), "/ws/a.go")
	if err != nil {
		t.Fatalf("failed to read contents: %v", err)
	}
	if contents != "hello\nplanet\n" {
		t.Errorf("Got contents %q", contents)
	}
	tabs, err := ws.OpenEditors(context.Background())
	if err != nil {
		t.Fatalf("failed to list editors: %v", err)
	}
	for _, tab := range tabs {
		if tab.Diff {
			t.Errorf("diff tab %s should be gone", tab.Name)
		}
	}
}

func TestOpenDiffToolReject(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "hello\nworld\n")
	registry := newEditorRegistry(t, ws)

	requestClient := func(context.Context, codelink.Request) (codelink.Response, error) {
		return codelink.Response{Result: json.RawMessage(`{"decision":"DIFF_REJECTED"}`)}, nil
	}

	result := callTool(t, registry, "openDiff", map[string]any{
		"old_file_path":     "/ws/a.go",
		"new_file_path":     "/ws/a.go",
		"new_file_contents": "hello\nplanet\n",
		"tab_name":          "review-1",
	}, requestClient)

	if len(result.Content) != 2 || result.Content[0].Text != editor.DecisionDiffRejected {
		t.Fatalf("Got content %+v, want a rejection", result.Content)
	}
	if result.Content[1].Text != "review-1" {
		t.Errorf("Got tab %q, want review-1", result.Content[1].Text)
	}

	// Rejecting leaves the buffer as it was and closes the diff tab.
	contents, err := ws.Contents(context.Background(), "/ws/a.go")
	if err != nil {
		t.Fatalf("failed to read contents: %v", err)
	}
	if contents != "hello\nworld\n" {
		t.Errorf("Got contents %q, want the original", contents)
	}
	tabs, err := ws.OpenEditors(context.Background())
	if err != nil {
		t.Fatalf("failed to list editors: %v", err)
	}
	if len(tabs) != 0 {
		t.Errorf("Got tabs %+v, want none", tabs)
	}
}

func TestOpenDiffToolNewFile(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	registry := newEditorRegistry(t, ws)

	var params editor.ReviewDiffParams
	requestClient := func(_ context.Context, req codelink.Request) (codelink.Response, error) {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return codelink.Response{}, err
		}
		return codelink.Response{Result: json.RawMessage(`{"decision":"FILE_SAVED"}`)}, nil
	}

	// An unknown old path diffs against an empty file.
	callTool(t, registry, "openDiff", map[string]any{
		"old_file_path":     "/ws/new.go",
		"new_file_path":     "/ws/new.go",
		"new_file_contents": "package new\n",
		"tab_name":          "review-new",
	}, requestClient)

	if !strings.Contains(params.UnifiedDiff, "+package new") {
		t.Errorf("Got diff %q, want an insertion", params.UnifiedDiff)
	}
	contents, err := ws.Contents(context.Background(), "/ws/new.go")
	if err != nil {
		t.Fatalf("failed to read contents: %v", err)
	}
	if contents != "package new\n" {
		t.Errorf("Got contents %q", contents)
	}
}

func TestOpenDiffToolReviewFails(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "hello\n")
	registry := newEditorRegistry(t, ws)

	requestClient := func(context.Context, codelink.Request) (codelink.Response, error) {
		return codelink.Response{}, errors.New("client went away")
	}

	_, err := registry.Call(context.Background(), codelink.CallToolParams{
		Name: "openDiff",
		Arguments: map[string]any{
			"old_file_path":     "/ws/a.go",
			"new_file_path":     "/ws/a.go",
			"new_file_contents": "bye\n",
			"tab_name":          "review-1",
		},
	}, requestClient)
	if err == nil || !strings.Contains(err.Error(), "client went away") {
		t.Fatalf("Got %v, want the review failure", err)
	}

	// The abandoned diff tab is cleaned up.
	tabs, lerr := ws.OpenEditors(context.Background())
	if lerr != nil {
		t.Fatalf("failed to list editors: %v", lerr)
	}
	if len(tabs) != 0 {
		t.Errorf("Got tabs %+v, want none", tabs)
	}
}

func TestOpenDiffToolUnknownDecision(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "hello\n")
	registry := newEditorRegistry(t, ws)

	requestClient := func(context.Context, codelink.Request) (codelink.Response, error) {
		return codelink.Response{Result: json.RawMessage(`{"decision":"MAYBE"}`)}, nil
	}

	result := callTool(t, registry, "openDiff", map[string]any{
		"old_file_path":     "/ws/a.go",
		"new_file_path":     "/ws/a.go",
		"new_file_contents": "bye\n",
		"tab_name":          "review-1",
	}, requestClient)

	if !result.IsError {
		t.Fatal("expected a tool error for an unknown decision")
	}
	if got := textOf(t, result); !strings.Contains(got, "unknown review decision") {
		t.Errorf("Got %q", got)
	}
}

func TestOpenDiffToolNeedsClient(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	registry := newEditorRegistry(t, ws)

	_, err := registry.Call(context.Background(), codelink.CallToolParams{
		Name: "openDiff",
		Arguments: map[string]any{
			"old_file_path":     "/ws/a.go",
			"new_file_path":     "/ws/a.go",
			"new_file_contents": "bye\n",
			"tab_name":          "review-1",
		},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "requires a connected client") {
		t.Errorf("Got %v, want a missing-client error", err)
	}
}

func TestGetDiagnosticsTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.SetDiagnostics("/ws/a.go", []editor.Diagnostic{
		{FilePath: "/ws/a.go", Line: 1, Severity: "warning", Message: "unused import", Source: "compiler"},
	})
	ws.SetDiagnostics("/ws/b.go", []editor.Diagnostic{
		{FilePath: "/ws/b.go", Line: 3, Severity: "error", Message: "undefined: foo"},
	})
	registry := newEditorRegistry(t, ws)

	result := callTool(t, registry, "getDiagnostics", map[string]any{"uri": "/ws/a.go"}, nil)
	var ds []editor.Diagnostic
	if err := json.Unmarshal([]byte(textOf(t, result)), &ds); err != nil {
		t.Fatalf("failed to unmarshal diagnostics: %v", err)
	}
	if len(ds) != 1 || ds[0].Message != "unused import" {
		t.Errorf("Got %+v", ds)
	}

	// No uri means the whole workspace.
	result = callTool(t, registry, "getDiagnostics", nil, nil)
	if err := json.Unmarshal([]byte(textOf(t, result)), &ds); err != nil {
		t.Fatalf("failed to unmarshal diagnostics: %v", err)
	}
	if len(ds) != 2 {
		t.Errorf("Got %d diagnostics, want 2", len(ds))
	}

	// A clean file reports an empty array rather than null.
	result = callTool(t, registry, "getDiagnostics", map[string]any{"uri": "/ws/clean.go"}, nil)
	if got := textOf(t, result); got != "[]" {
		t.Errorf("Got %q, want []", got)
	}
}

func TestGetOpenEditorsTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	registry := newEditorRegistry(t, ws)

	result := callTool(t, registry, "getOpenEditors", nil, nil)
	var decoded editor.OpenEditorsResult
	if err := json.Unmarshal([]byte(textOf(t, result)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal editors: %v", err)
	}
	if len(decoded.Tabs) != 0 {
		t.Errorf("Got %+v, want no tabs", decoded.Tabs)
	}

	if err := ws.OpenFile(context.Background(), editor.OpenFileRequest{FilePath: "/ws/a.go", MakeFrontmost: true}); err != nil {
		t.Fatalf("failed to open file: %v", err)
	}

	result = callTool(t, registry, "getOpenEditors", nil, nil)
	if err := json.Unmarshal([]byte(textOf(t, result)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal editors: %v", err)
	}
	if len(decoded.Tabs) != 1 || !decoded.Tabs[0].Active {
		t.Errorf("Got %+v", decoded.Tabs)
	}
}

func TestGetWorkspaceFoldersTool(t *testing.T) {
	registry := newEditorRegistry(t, editor.NewWorkspace("/ws/app", "/ws/lib"))

	result := callTool(t, registry, "getWorkspaceFolders", nil, nil)
	var decoded editor.WorkspaceFoldersResult
	if err := json.Unmarshal([]byte(textOf(t, result)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal folders: %v", err)
	}
	if !reflect.DeepEqual(decoded.Folders, []string{"/ws/app", "/ws/lib"}) {
		t.Errorf("Got %v", decoded.Folders)
	}
}

func TestGetCurrentSelectionTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	want := editor.Selection{
		FilePath: "/ws/a.go",
		Text:     "package",
		Start:    editor.Position{Line: 0, Character: 0},
		End:      editor.Position{Line: 0, Character: 7},
	}
	ws.SetSelection(want)
	registry := newEditorRegistry(t, ws)

	result := callTool(t, registry, "getCurrentSelection", nil, nil)
	var got editor.Selection
	if err := json.Unmarshal([]byte(textOf(t, result)), &got); err != nil {
		t.Fatalf("failed to unmarshal selection: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Got %+v, want %+v", got, want)
	}
}

func TestCheckDocumentDirtyTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "package a\n")
	registry := newEditorRegistry(t, ws)

	// Dirtiness is undefined for unopened documents; that is a tool-level
	// failure, not a protocol error.
	result := callTool(t, registry, "checkDocumentDirty", map[string]any{"filePath": "/ws/a.go"}, nil)
	if !result.IsError {
		t.Fatal("expected a tool error for an unopened document")
	}
	if got := textOf(t, result); !strings.Contains(got, "document not open") {
		t.Errorf("Got %q", got)
	}

	ctx := context.Background()
	if err := ws.OpenFile(ctx, editor.OpenFileRequest{FilePath: "/ws/a.go"}); err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	if err := ws.MarkDirty("/ws/a.go"); err != nil {
		t.Fatalf("failed to mark dirty: %v", err)
	}

	result = callTool(t, registry, "checkDocumentDirty", map[string]any{"filePath": "/ws/a.go"}, nil)
	var decoded editor.DocumentDirtyResult
	if err := json.Unmarshal([]byte(textOf(t, result)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal dirty state: %v", err)
	}
	if !decoded.IsDirty || decoded.FilePath != "/ws/a.go" {
		t.Errorf("Got %+v", decoded)
	}
}

func TestSaveDocumentTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	ws.AddDocument("/ws/a.go", "package a\n")
	registry := newEditorRegistry(t, ws)
	ctx := context.Background()

	result := callTool(t, registry, "saveDocument", map[string]any{"filePath": "/ws/a.go"}, nil)
	if !result.IsError {
		t.Fatal("expected a tool error for an unopened document")
	}

	if err := ws.OpenFile(ctx, editor.OpenFileRequest{FilePath: "/ws/a.go"}); err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	if err := ws.MarkDirty("/ws/a.go"); err != nil {
		t.Fatalf("failed to mark dirty: %v", err)
	}

	result = callTool(t, registry, "saveDocument", map[string]any{"filePath": "/ws/a.go"}, nil)
	var decoded editor.SaveDocumentResult
	if err := json.Unmarshal([]byte(textOf(t, result)), &decoded); err != nil {
		t.Fatalf("failed to unmarshal save result: %v", err)
	}
	if !decoded.Saved {
		t.Errorf("Got %+v", decoded)
	}

	dirty, err := ws.IsDirty(ctx, "/ws/a.go")
	if err != nil {
		t.Fatalf("failed to check dirty: %v", err)
	}
	if dirty {
		t.Error("document should be clean after save")
	}
}

func TestCloseTabTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	registry := newEditorRegistry(t, ws)
	ctx := context.Background()

	if err := ws.OpenFile(ctx, editor.OpenFileRequest{FilePath: "/ws/a.go"}); err != nil {
		t.Fatalf("failed to open file: %v", err)
	}

	result := callTool(t, registry, "close_tab", map[string]any{"tab_name": "/ws/a.go"}, nil)
	if got := textOf(t, result); got != "TAB_CLOSED" {
		t.Errorf("Got %q, want TAB_CLOSED", got)
	}

	result = callTool(t, registry, "close_tab", map[string]any{"tab_name": "no-such-tab"}, nil)
	if !result.IsError {
		t.Fatal("expected a tool error for an unknown tab")
	}
	if got := textOf(t, result); !strings.Contains(got, "tab not found") {
		t.Errorf("Got %q", got)
	}
}

func TestCloseAllDiffTabsTool(t *testing.T) {
	ws := editor.NewWorkspace("/ws")
	registry := newEditorRegistry(t, ws)
	ctx := context.Background()

	for _, name := range []string{"review-1", "review-2"} {
		if err := ws.OpenDiff(ctx, editor.DiffView{TabName: name, NewFilePath: "/ws/a.go"}); err != nil {
			t.Fatalf("failed to open diff %s: %v", name, err)
		}
	}

	result := callTool(t, registry, "closeAllDiffTabs", nil, nil)
	if got := textOf(t, result); got != "CLOSED_2_DIFF_TABS" {
		t.Errorf("Got %q, want CLOSED_2_DIFF_TABS", got)
	}

	result = callTool(t, registry, "closeAllDiffTabs", nil, nil)
	if got := textOf(t, result); got != "CLOSED_0_DIFF_TABS" {
		t.Errorf("Got %q, want CLOSED_0_DIFF_TABS", got)
	}
}
