// internal/replay/loader.go
package replay

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action script formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// FormatFromPath guesses the script format from a file extension.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	return ""
}

// LoadSession reads an action script. The document is either an ActionSession or a bare
// list of actions. An empty format sniffs the first significant byte.
func LoadSession(r io.Reader, format string) (*schemas.ActionSession, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read action script: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &schemas.ValidationError{Field: "actions", Reason: "script is empty"}
	}
	if format == "" {
		format = FormatYAML
		if trimmed[0] == '{' || trimmed[0] == '[' {
			format = FormatJSON
		}
	}

	var session schemas.ActionSession
	switch format {
	case FormatJSON:
		if trimmed[0] == '[' {
			err = json.Unmarshal(trimmed, &session.Actions)
		} else {
			err = json.Unmarshal(trimmed, &session)
		}
	case FormatYAML:
		var node yaml.Node
		if err = yaml.Unmarshal(trimmed, &node); err == nil {
			if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
				err = node.Decode(&session.Actions)
			} else {
				err = node.Decode(&session)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported action script format %q", format)
	}
	if err != nil {
		return nil, &schemas.ValidationError{Field: "actions", Reason: fmt.Sprintf("cannot be decoded as %s: %v", format, err)}
	}

	for i, a := range session.Actions {
		if a.Type == "" {
			return nil, &schemas.ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Reason: "is required"}
		}
	}
	return &session, nil
}

// LoadActions is LoadSession for callers that only need the action list.
func LoadActions(r io.Reader, format string) ([]schemas.Action, error) {
	s, err := LoadSession(r, format)
	if err != nil {
		return nil, err
	}
	return s.Actions, nil
}
