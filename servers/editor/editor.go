package editor

import (
	"context"
	"errors"
)

// ErrDocumentNotOpen is returned by Editor implementations when an operation
// targets a file that is not open in the editor.
var ErrDocumentNotOpen = errors.New("document not open")

// ErrTabNotFound is returned by Editor implementations when a tab name does
// not match any open tab.
var ErrTabNotFound = errors.New("tab not found")

// Position is a zero-based text coordinate.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Selection describes the active text selection in the editor. An empty
// selection reports the cursor position with Start == End.
type Selection struct {
	FilePath string   `json:"filePath"`
	Text     string   `json:"text"`
	Start    Position `json:"start"`
	End      Position `json:"end"`
	IsEmpty  bool     `json:"isEmpty"`
}

// Diagnostic is one linter or compiler finding for a file.
type Diagnostic struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// Tab describes one open editor tab. Diff marks tabs presenting a pending
// diff review rather than a plain document.
type Tab struct {
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
	Active   bool   `json:"active"`
	Dirty    bool   `json:"dirty"`
	Diff     bool   `json:"diff"`
}

// OpenFileRequest carries the arguments of an openFile call. StartLine and
// EndLine are one-based; zero means no line targeting. Preview opens the file
// without making it part of the permanent tab set.
type OpenFileRequest struct {
	FilePath      string
	StartLine     int
	EndLine       int
	Preview       bool
	MakeFrontmost bool
}

// DiffView is a rendered diff presented to the user for review. UnifiedDiff
// is a git-style line diff of the current contents against NewContents.
type DiffView struct {
	TabName     string
	OldFilePath string
	NewFilePath string
	NewContents string
	UnifiedDiff string
}

// Editor is the embedder-side surface the tools drive. Implementations wrap
// a real editor UI; Workspace provides an in-memory implementation for tests
// and examples.
//
// Tool calls may run concurrently up to the server's queue concurrency, so
// implementations must be safe for concurrent use.
type Editor interface {
	// OpenFile opens the file in a tab, creating an empty buffer if the
	// path is unknown.
	OpenFile(ctx context.Context, req OpenFileRequest) error
	// Contents returns the current buffer contents for the file, or
	// ErrDocumentNotOpen if the editor does not know the path.
	Contents(ctx context.Context, filePath string) (string, error)
	// OpenDiff presents the diff view in a new tab named view.TabName.
	OpenDiff(ctx context.Context, view DiffView) error
	// ApplyDiff writes view.NewContents to view.NewFilePath and closes the
	// diff tab.
	ApplyDiff(ctx context.Context, view DiffView) error
	// CloseTab closes the named tab, or returns ErrTabNotFound.
	CloseTab(ctx context.Context, tabName string) error
	// CloseAllDiffTabs closes every open diff tab and reports how many
	// were closed.
	CloseAllDiffTabs(ctx context.Context) (int, error)
	// Diagnostics returns findings for the file, or for all files when
	// filePath is empty.
	Diagnostics(ctx context.Context, filePath string) ([]Diagnostic, error)
	// OpenEditors lists the open tabs.
	OpenEditors(ctx context.Context) ([]Tab, error)
	// WorkspaceFolders lists the workspace root folders.
	WorkspaceFolders(ctx context.Context) ([]string, error)
	// CurrentSelection reports the active selection.
	CurrentSelection(ctx context.Context) (Selection, error)
	// IsDirty reports whether the file has unsaved changes, or
	// ErrDocumentNotOpen.
	IsDirty(ctx context.Context, filePath string) (bool, error)
	// SaveDocument persists the file's buffer, or returns
	// ErrDocumentNotOpen.
	SaveDocument(ctx context.Context, filePath string) error
}
