// Package prefix renders the sender prefixes attached to relayed messages.
// Templates use {var} placeholders; some variables accept a numeric suffix
// {varN} (N in 1..20) selecting the first N characters of the value.
package prefix

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Default templates for the two relay directions.
const (
	DefaultMeshToMatrix = "[{long}/{mesh}]: "
	DefaultMatrixToMesh = "{display5}[M]: "
)

const maxTruncateLen = 20

// MeshSender describes the mesh-side originator of a message. Meshnet is the
// configured name of the mesh network the sender lives on.
type MeshSender struct {
	Longname  string
	Shortname string
	Meshnet   string
}

// MatrixSender describes the Matrix-side originator of a message.
type MatrixSender struct {
	DisplayName string
	UserID      string // @username:server
}

// MeshToMatrix renders the prefix placed before mesh messages relayed into a
// Matrix room. An empty format selects the default template; a format that
// references an unknown variable logs a warning and falls back to the default.
func MeshToMatrix(format string, s MeshSender) string {
	vars := map[string]variable{
		"long":  {value: s.Longname, truncatable: true},
		"short": {value: s.Shortname},
		"mesh":  {value: s.Meshnet, truncatable: true},
	}
	return renderOrFallback(format, DefaultMeshToMatrix, vars)
}

// MatrixToMesh renders the prefix placed before Matrix messages relayed onto
// the mesh.
func MatrixToMesh(format string, s MatrixSender) string {
	username, server := splitUserID(s.UserID)
	vars := map[string]variable{
		"display":  {value: s.DisplayName, truncatable: true},
		"user":     {value: s.UserID},
		"username": {value: username},
		"server":   {value: server},
	}
	return renderOrFallback(format, DefaultMatrixToMesh, vars)
}

type variable struct {
	value       string
	truncatable bool
}

func renderOrFallback(format, fallback string, vars map[string]variable) string {
	if format == "" {
		format = fallback
	}
	out, err := render(format, vars)
	if err != nil {
		slog.Warn("invalid prefix template, using default", "template", format, "error", err)
		out, _ = render(fallback, vars)
	}
	return out
}

func render(tmpl string, vars map[string]variable) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tmpl); {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+open])
		i += open
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			// Unterminated brace passes through verbatim.
			b.WriteString(tmpl[i:])
			break
		}
		token := tmpl[i+1 : i+end]
		val, err := resolve(token, vars)
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		i += end + 1
	}
	return b.String(), nil
}

func resolve(token string, vars map[string]variable) (string, error) {
	name := strings.TrimRightFunc(token, func(r rune) bool { return r >= '0' && r <= '9' })
	v, ok := vars[name]
	if !ok {
		return "", fmt.Errorf("unknown variable {%s}", token)
	}
	if name == token {
		return v.value, nil
	}
	if !v.truncatable {
		return "", fmt.Errorf("variable {%s} does not support truncation", name)
	}
	n, err := strconv.Atoi(token[len(name):])
	if err != nil || n < 1 || n > maxTruncateLen {
		return "", fmt.Errorf("truncation length in {%s} must be 1..%d", token, maxTruncateLen)
	}
	return firstRunes(v.value, n), nil
}

// firstRunes returns the first n characters of s; a shorter s is returned
// whole.
func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func splitUserID(userID string) (username, server string) {
	trimmed := strings.TrimPrefix(userID, "@")
	username, server, found := strings.Cut(trimmed, ":")
	if !found {
		return trimmed, ""
	}
	return username, server
}
