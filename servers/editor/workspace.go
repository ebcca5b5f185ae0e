package editor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Workspace is an in-memory Editor implementation backing the example
// binaries and tests. Real embedders implement Editor against their UI.
type Workspace struct {
	mu          sync.Mutex
	folders     []string
	docs        map[string]*document
	diffs       map[string]DiffView
	diagnostics map[string][]Diagnostic
	selection   Selection
	active      string
}

type document struct {
	contents string
	open     bool
	dirty    bool
	preview  bool
}

// NewWorkspace creates a Workspace rooted at the given folders.
func NewWorkspace(folders ...string) *Workspace {
	return &Workspace{
		folders:     folders,
		docs:        make(map[string]*document),
		diffs:       make(map[string]DiffView),
		diagnostics: make(map[string][]Diagnostic),
	}
}

// AddDocument seeds a document with the given contents without opening it.
func (w *Workspace) AddDocument(filePath, contents string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.docs[filePath] = &document{contents: contents}
}

// SetSelection sets the selection reported by CurrentSelection.
func (w *Workspace) SetSelection(sel Selection) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.selection = sel
}

// SetDiagnostics replaces the findings reported for the file.
func (w *Workspace) SetDiagnostics(filePath string, ds []Diagnostic) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.diagnostics[filePath] = ds
}

// MarkDirty flags the file as having unsaved changes.
func (w *Workspace) MarkDirty(filePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[filePath]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, filePath)
	}
	doc.dirty = true
	return nil
}

// OpenFile implements the Editor interface.
func (w *Workspace) OpenFile(_ context.Context, req OpenFileRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[req.FilePath]
	if !ok {
		doc = &document{}
		w.docs[req.FilePath] = doc
	}
	doc.open = true
	doc.preview = req.Preview
	if req.MakeFrontmost {
		w.active = req.FilePath
	}
	return nil
}

// Contents implements the Editor interface.
func (w *Workspace) Contents(_ context.Context, filePath string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[filePath]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotOpen, filePath)
	}
	return doc.contents, nil
}

// OpenDiff implements the Editor interface.
func (w *Workspace) OpenDiff(_ context.Context, view DiffView) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.diffs[view.TabName] = view
	return nil
}

// ApplyDiff implements the Editor interface.
func (w *Workspace) ApplyDiff(_ context.Context, view DiffView) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[view.NewFilePath]
	if !ok {
		doc = &document{}
		w.docs[view.NewFilePath] = doc
	}
	doc.contents = view.NewContents
	doc.open = true
	doc.dirty = false

	delete(w.diffs, view.TabName)
	return nil
}

// CloseTab implements the Editor interface.
func (w *Workspace) CloseTab(_ context.Context, tabName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.diffs[tabName]; ok {
		delete(w.diffs, tabName)
		return nil
	}
	if doc, ok := w.docs[tabName]; ok && doc.open {
		doc.open = false
		if w.active == tabName {
			w.active = ""
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTabNotFound, tabName)
}

// CloseAllDiffTabs implements the Editor interface.
func (w *Workspace) CloseAllDiffTabs(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.diffs)
	w.diffs = make(map[string]DiffView)
	return n, nil
}

// Diagnostics implements the Editor interface.
func (w *Workspace) Diagnostics(_ context.Context, filePath string) ([]Diagnostic, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if filePath != "" {
		return append([]Diagnostic(nil), w.diagnostics[filePath]...), nil
	}

	paths := make([]string, 0, len(w.diagnostics))
	for path := range w.diagnostics {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var all []Diagnostic
	for _, path := range paths {
		all = append(all, w.diagnostics[path]...)
	}
	return all, nil
}

// OpenEditors implements the Editor interface.
func (w *Workspace) OpenEditors(_ context.Context) ([]Tab, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.docs))
	for path, doc := range w.docs {
		if doc.open {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	tabs := make([]Tab, 0, len(paths)+len(w.diffs))
	for _, path := range paths {
		doc := w.docs[path]
		tabs = append(tabs, Tab{
			Name:     path,
			FilePath: path,
			Active:   path == w.active,
			Dirty:    doc.dirty,
		})
	}

	names := make([]string, 0, len(w.diffs))
	for name := range w.diffs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tabs = append(tabs, Tab{
			Name:     name,
			FilePath: w.diffs[name].NewFilePath,
			Diff:     true,
		})
	}

	return tabs, nil
}

// WorkspaceFolders implements the Editor interface.
func (w *Workspace) WorkspaceFolders(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.folders...), nil
}

// CurrentSelection implements the Editor interface.
func (w *Workspace) CurrentSelection(context.Context) (Selection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sel := w.selection
	if sel.FilePath == "" {
		sel.FilePath = w.active
		sel.IsEmpty = true
	}
	return sel, nil
}

// IsDirty implements the Editor interface.
func (w *Workspace) IsDirty(_ context.Context, filePath string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[filePath]
	if !ok || !doc.open {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotOpen, filePath)
	}
	return doc.dirty, nil
}

// SaveDocument implements the Editor interface.
func (w *Workspace) SaveDocument(_ context.Context, filePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[filePath]
	if !ok || !doc.open {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, filePath)
	}
	doc.dirty = false
	return nil
}
