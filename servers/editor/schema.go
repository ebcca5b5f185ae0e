package editor

// OpenFileArgs is the argument struct for the openFile tool.
type OpenFileArgs struct {
	FilePath      string `json:"filePath"`
	StartLine     int    `json:"startLine,omitempty"`
	EndLine       int    `json:"endLine,omitempty"`
	Preview       bool   `json:"preview,omitempty"`
	MakeFrontmost bool   `json:"makeFrontmost,omitempty"`
}

// OpenDiffArgs is the argument struct for the openDiff tool. The field names
// follow the wire protocol, which uses snake_case for this tool.
type OpenDiffArgs struct {
	OldFilePath     string `json:"old_file_path"`
	NewFilePath     string `json:"new_file_path"`
	NewFileContents string `json:"new_file_contents"`
	TabName         string `json:"tab_name"`
}

// GetDiagnosticsArgs is the argument struct for the getDiagnostics tool.
type GetDiagnosticsArgs struct {
	URI string `json:"uri,omitempty"`
}

// CheckDocumentDirtyArgs is the argument struct for the checkDocumentDirty
// tool.
type CheckDocumentDirtyArgs struct {
	FilePath string `json:"filePath"`
}

// SaveDocumentArgs is the argument struct for the saveDocument tool.
type SaveDocumentArgs struct {
	FilePath string `json:"filePath"`
}

// CloseTabArgs is the argument struct for the close_tab tool.
type CloseTabArgs struct {
	TabName string `json:"tab_name"`
}

// OpenEditorsResult is the decoded result payload of the getOpenEditors tool.
type OpenEditorsResult struct {
	Tabs []Tab `json:"tabs"`
}

// WorkspaceFoldersResult is the decoded result payload of the
// getWorkspaceFolders tool.
type WorkspaceFoldersResult struct {
	Folders []string `json:"folders"`
}

// DocumentDirtyResult is the decoded result payload of the checkDocumentDirty
// tool.
type DocumentDirtyResult struct {
	FilePath string `json:"filePath"`
	IsDirty  bool   `json:"isDirty"`
}

// SaveDocumentResult is the decoded result payload of the saveDocument tool.
type SaveDocumentResult struct {
	FilePath string `json:"filePath"`
	Saved    bool   `json:"saved"`
}

// ReviewDiffParams is the params payload of the editor/reviewDiff request the
// server sends to the client while an openDiff call waits for a decision.
type ReviewDiffParams struct {
	TabName     string `json:"tabName"`
	OldFilePath string `json:"oldFilePath"`
	NewFilePath string `json:"newFilePath"`
	UnifiedDiff string `json:"unifiedDiff"`
}

// ReviewDiffResult is the client's reply to an editor/reviewDiff request.
// Decision must be DecisionFileSaved or DecisionDiffRejected.
type ReviewDiffResult struct {
	Decision string `json:"decision"`
}

var openFileSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "filePath": {
        "type": "string"
      },
      "startLine": {
        "type": "integer",
        "minimum": 1
      },
      "endLine": {
        "type": "integer",
        "minimum": 1
      },
      "preview": {
        "type": "boolean"
      },
      "makeFrontmost": {
        "type": "boolean"
      }
    },
    "required": ["filePath"],
    "additionalProperties": false
  }
`)

var openDiffSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "old_file_path": {
        "type": "string"
      },
      "new_file_path": {
        "type": "string"
      },
      "new_file_contents": {
        "type": "string"
      },
      "tab_name": {
        "type": "string"
      }
    },
    "required": ["old_file_path", "new_file_path", "new_file_contents", "tab_name"],
    "additionalProperties": false
  }
`)

var getDiagnosticsSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "uri": {
        "type": "string"
      }
    },
    "required": [],
    "additionalProperties": false
  }
`)

var checkDocumentDirtySchema = []byte(`
  {
    "type": "object",
    "properties": {
      "filePath": {
        "type": "string"
      }
    },
    "required": ["filePath"],
    "additionalProperties": false
  }
`)

var saveDocumentSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "filePath": {
        "type": "string"
      }
    },
    "required": ["filePath"],
    "additionalProperties": false
  }
`)

var closeTabSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "tab_name": {
        "type": "string"
      }
    },
    "required": ["tab_name"],
    "additionalProperties": false
  }
`)

var noArgsSchema = []byte(`
  {
    "type": "object",
    "properties": {},
    "required": [],
    "additionalProperties": false
  }
`)
