package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/codelink-dev/codelink"
)

// MethodReviewDiff is the request method the server sends to the client
// while an openDiff call waits for an accept/reject decision.
const MethodReviewDiff = "editor/reviewDiff"

// Review decisions a client may return from an editor/reviewDiff request.
// They double as the first content block of the openDiff result.
const (
	DecisionFileSaved    = "FILE_SAVED"
	DecisionDiffRejected = "DIFF_REJECTED"
)

func (s Server) openFile(ctx context.Context, args map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	filePath, _ := args["filePath"].(string)
	startLine, _ := args["startLine"].(float64)
	endLine, _ := args["endLine"].(float64)
	preview, _ := args["preview"].(bool)

	// makeFrontmost defaults to true.
	frontmost := true
	if v, ok := args["makeFrontmost"].(bool); ok {
		frontmost = v
	}

	req := OpenFileRequest{
		FilePath:      filePath,
		StartLine:     int(startLine),
		EndLine:       int(endLine),
		Preview:       preview,
		MakeFrontmost: frontmost,
	}

	if err := s.editor.OpenFile(ctx, req); err != nil {
		return toolError(err), nil
	}

	return codelink.CallToolResult{
		Content: codelink.TextContent(fmt.Sprintf("Opened file: %s", filePath)),
	}, nil
}

func (s Server) openDiff(
	ctx context.Context,
	args map[string]any,
	requestClient codelink.RequestClientFunc,
) (codelink.CallToolResult, error) {
	if requestClient == nil {
		return codelink.CallToolResult{}, errors.New("diff review requires a connected client")
	}

	oldPath, _ := args["old_file_path"].(string)
	newPath, _ := args["new_file_path"].(string)
	newContents, _ := args["new_file_contents"].(string)
	tabName, _ := args["tab_name"].(string)

	// An unknown old path diffs against an empty file.
	oldContents, err := s.editor.Contents(ctx, oldPath)
	if err != nil && !errors.Is(err, ErrDocumentNotOpen) {
		return toolError(err), nil
	}

	view := DiffView{
		TabName:     tabName,
		OldFilePath: oldPath,
		NewFilePath: newPath,
		NewContents: newContents,
		UnifiedDiff: renderUnifiedDiff(oldPath, newPath, oldContents, newContents),
	}

	if err := s.editor.OpenDiff(ctx, view); err != nil {
		return toolError(err), nil
	}

	reviewBs, err := json.Marshal(ReviewDiffParams{
		TabName:     tabName,
		OldFilePath: oldPath,
		NewFilePath: newPath,
		UnifiedDiff: view.UnifiedDiff,
	})
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal review params: %w", err)
	}

	s.logger.Info("waiting for diff review", slog.String("tab", tabName))

	resp, err := requestClient(ctx, codelink.Request{
		Method: MethodReviewDiff,
		Params: reviewBs,
	})
	if err != nil {
		// The review never completed; drop the diff tab.
		if cerr := s.editor.CloseTab(ctx, tabName); cerr != nil {
			s.logger.Warn("failed to close diff tab",
				slog.String("tab", tabName), slog.String("err", cerr.Error()))
		}
		return codelink.CallToolResult{}, fmt.Errorf("failed to request diff review: %w", err)
	}

	var review ReviewDiffResult
	if err := json.Unmarshal(resp.Result, &review); err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to unmarshal review result: %w", err)
	}

	switch review.Decision {
	case DecisionFileSaved:
		if err := s.editor.ApplyDiff(ctx, view); err != nil {
			return toolError(err), nil
		}
		return codelink.CallToolResult{
			Content: []codelink.Content{
				{Type: codelink.ContentTypeText, Text: DecisionFileSaved},
				{Type: codelink.ContentTypeText, Text: newContents},
			},
		}, nil
	case DecisionDiffRejected:
		if err := s.editor.CloseTab(ctx, tabName); err != nil {
			s.logger.Warn("failed to close diff tab",
				slog.String("tab", tabName), slog.String("err", err.Error()))
		}
		return codelink.CallToolResult{
			Content: []codelink.Content{
				{Type: codelink.ContentTypeText, Text: DecisionDiffRejected},
				{Type: codelink.ContentTypeText, Text: tabName},
			},
		}, nil
	default:
		return toolError(fmt.Errorf("unknown review decision: %q", review.Decision)), nil
	}
}

func (s Server) getDiagnostics(ctx context.Context, args map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	uri, _ := args["uri"].(string)

	ds, err := s.editor.Diagnostics(ctx, uri)
	if err != nil {
		return toolError(err), nil
	}
	if ds == nil {
		ds = []Diagnostic{}
	}

	bs, err := json.Marshal(ds)
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) getOpenEditors(ctx context.Context, _ map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	tabs, err := s.editor.OpenEditors(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if tabs == nil {
		tabs = []Tab{}
	}

	bs, err := json.Marshal(OpenEditorsResult{Tabs: tabs})
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal open editors: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) getWorkspaceFolders(ctx context.Context, _ map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	folders, err := s.editor.WorkspaceFolders(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if folders == nil {
		folders = []string{}
	}

	bs, err := json.Marshal(WorkspaceFoldersResult{Folders: folders})
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal workspace folders: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) getCurrentSelection(ctx context.Context, _ map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	sel, err := s.editor.CurrentSelection(ctx)
	if err != nil {
		return toolError(err), nil
	}

	bs, err := json.Marshal(sel)
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal selection: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) checkDocumentDirty(ctx context.Context, args map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	filePath, _ := args["filePath"].(string)

	dirty, err := s.editor.IsDirty(ctx, filePath)
	if err != nil {
		return toolError(err), nil
	}

	bs, err := json.Marshal(DocumentDirtyResult{FilePath: filePath, IsDirty: dirty})
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal dirty state: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) saveDocument(ctx context.Context, args map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	filePath, _ := args["filePath"].(string)

	if err := s.editor.SaveDocument(ctx, filePath); err != nil {
		return toolError(err), nil
	}

	bs, err := json.Marshal(SaveDocumentResult{FilePath: filePath, Saved: true})
	if err != nil {
		return codelink.CallToolResult{}, fmt.Errorf("failed to marshal save result: %w", err)
	}

	return codelink.CallToolResult{Content: codelink.TextContent(string(bs))}, nil
}

func (s Server) closeTab(ctx context.Context, args map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	tabName, _ := args["tab_name"].(string)

	if err := s.editor.CloseTab(ctx, tabName); err != nil {
		return toolError(err), nil
	}

	return codelink.CallToolResult{Content: codelink.TextContent("TAB_CLOSED")}, nil
}

func (s Server) closeAllDiffTabs(ctx context.Context, _ map[string]any, _ codelink.RequestClientFunc) (codelink.CallToolResult, error) {
	n, err := s.editor.CloseAllDiffTabs(ctx)
	if err != nil {
		return toolError(err), nil
	}

	return codelink.CallToolResult{
		Content: codelink.TextContent(fmt.Sprintf("CLOSED_%d_DIFF_TABS", n)),
	}, nil
}

// toolError reports an editor-level failure in-band so the queue does not
// retry it.
func toolError(err error) codelink.CallToolResult {
	return codelink.CallToolResult{
		Content: codelink.TextContent(err.Error()),
		IsError: true,
	}
}

// renderUnifiedDiff produces a git-style line diff of oldText against
// newText.
func renderUnifiedDiff(oldPath, newPath, oldText, newText string) string {
	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(src, dst, false), lines)

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldPath, newPath)
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
