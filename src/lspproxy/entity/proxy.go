// Package entity contains the domain types for the lsp-proxy service.
package entity

import (
	"strings"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

// ServerDescriptor describes how to launch the language server for one
// language. Descriptors are populated at startup and never mutated; registry
// reloads swap the whole table.
type ServerDescriptor struct {
	Language   string   `yaml:"language"`
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	Extensions []string `yaml:"extensions"`
}

// HandlesExtension reports whether the descriptor covers the given file
// extension. The leading dot is optional.
func (d ServerDescriptor) HandlesExtension(ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	for _, e := range d.Extensions {
		if strings.TrimPrefix(e, ".") == ext {
			return true
		}
	}
	return false
}

// ProcessKey is the identity of a managed language server process. At most
// one live process exists per key at any instant.
type ProcessKey struct {
	Language      string
	WorkspaceRoot string
}

// String implements fmt.Stringer.
func (k ProcessKey) String() string {
	return k.Language + "@" + k.WorkspaceRoot
}

// Connection represents a single attached client transport.
type Connection struct {
	UUID          uuid.UUID       `json:"uuid"`
	Language      string          `json:"language"`
	WorkspaceRoot string          `json:"workspaceRoot"`
	Conn          *websocket.Conn `json:"-"`
}
