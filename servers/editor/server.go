package editor

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codelink-dev/codelink"
)

// Server exposes an editor session as a set of tools. It adapts an Editor
// implementation to the tool-registry contract: each tool validates its
// arguments against a schema, runs through the request queue, and reports
// results as typed content blocks.
//
// The openDiff tool additionally drives a server-initiated request: after
// presenting the diff it sends editor/reviewDiff to the connected client and
// blocks until the decision arrives.
type Server struct {
	editor Editor
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "editor"))
	}
}

// NewServer creates a tool server over the given editor.
func NewServer(editor Editor, options ...Option) (Server, error) {
	if editor == nil {
		return Server{}, errors.New("editor is required")
	}

	s := Server{
		editor: editor,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s, nil
}

// Tools returns the tool definitions in their canonical order.
func (s Server) Tools() []codelink.ToolDef {
	return []codelink.ToolDef{
		{
			Name:        "openFile",
			Description: "Open a file in the editor, optionally jumping to a line range. Set preview to open without adding a permanent tab.",
			InputSchema: openFileSchema,
			Handler:     s.openFile,
			Priority:    codelink.PriorityNormal,
			Invalidates: "get*",
		},
		{
			Name: "openDiff",
			Description: "Present a diff of new_file_contents against the current contents of old_file_path " +
				"in a tab named tab_name, and wait for the user to accept or reject it. " +
				"Returns FILE_SAVED with the new contents on accept, DIFF_REJECTED with the tab name on reject.",
			InputSchema: openDiffSchema,
			Handler:     s.openDiff,
			Priority:    codelink.PriorityHigh,
			Timeout:     5 * time.Minute,
			Invalidates: "get*",
		},
		{
			Name:        "getDiagnostics",
			Description: "List linter and compiler findings, for one file when uri is given or for the whole workspace otherwise.",
			InputSchema: getDiagnosticsSchema,
			Handler:     s.getDiagnostics,
			Priority:    codelink.PriorityNormal,
			MaxRetries:  1,
		},
		{
			Name:        "getOpenEditors",
			Description: "List the open editor tabs with their active, dirty and diff states.",
			InputSchema: noArgsSchema,
			Handler:     s.getOpenEditors,
			Priority:    codelink.PriorityNormal,
		},
		{
			Name:        "getWorkspaceFolders",
			Description: "List the workspace root folders.",
			InputSchema: noArgsSchema,
			Handler:     s.getWorkspaceFolders,
			Priority:    codelink.PriorityNormal,
			Cacheable:   true,
			CacheTTL:    30 * time.Second,
		},
		{
			Name:        "getCurrentSelection",
			Description: "Report the active text selection, or the cursor position when nothing is selected.",
			InputSchema: noArgsSchema,
			Handler:     s.getCurrentSelection,
			Priority:    codelink.PriorityNormal,
		},
		{
			Name:        "checkDocumentDirty",
			Description: "Report whether the file has unsaved changes.",
			InputSchema: checkDocumentDirtySchema,
			Handler:     s.checkDocumentDirty,
			Priority:    codelink.PriorityNormal,
		},
		{
			Name:        "saveDocument",
			Description: "Persist the file's unsaved changes.",
			InputSchema: saveDocumentSchema,
			Handler:     s.saveDocument,
			Priority:    codelink.PriorityNormal,
			Invalidates: "get*",
		},
		{
			Name:        "close_tab",
			Description: "Close the named tab.",
			InputSchema: closeTabSchema,
			Handler:     s.closeTab,
			Priority:    codelink.PriorityLow,
			Invalidates: "get*",
		},
		{
			Name:        "closeAllDiffTabs",
			Description: "Close every open diff tab and report how many were closed.",
			InputSchema: noArgsSchema,
			Handler:     s.closeAllDiffTabs,
			Priority:    codelink.PriorityLow,
			Invalidates: "get*",
		},
	}
}

// RegisterAll registers every editor tool into the registry.
func (s Server) RegisterAll(registry *codelink.ToolRegistry) error {
	for _, def := range s.Tools() {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}
