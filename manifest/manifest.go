// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package manifest loads and validates the DomeKit policy manifest.
//
// The manifest is the single source of truth for authorization decisions.
// It is loaded once at process start, fully validated, and treated as
// immutable afterwards. A manifest that fails validation is never
// partially returned: the gateway refuses to serve without one.
package manifest

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the manifest schema version this build understands.
const SchemaVersion = "1"

// NetworkPolicy is the gateway-wide egress policy.
type NetworkPolicy string

const (
	NetworkAllow NetworkPolicy = "allow"
	NetworkDeny  NetworkPolicy = "deny"
)

// DenialVerbosity controls how much of a denial reason is surfaced to the
// model. The audit record always carries the full reason.
type DenialVerbosity string

const (
	DenialVerbosityFull    DenialVerbosity = "full"
	DenialVerbosityGeneric DenialVerbosity = "generic"
)

// Manifest is the fully validated, in-memory policy document.
type Manifest struct {
	Version   string
	App       AppConfig
	Policy    PolicyConfig
	Embedding EmbeddingConfig
	VectorDB  VectorDBConfig
	Audit     AuditConfig
}

// AppConfig identifies the application for audit attribution.
type AppConfig struct {
	Name string `yaml:"name"`
}

// PolicyConfig holds the authorization rules.
type PolicyConfig struct {
	Network         NetworkConfig   `yaml:"network"`
	Tools           ToolsConfig     `yaml:"tools"`
	Data            DataConfig      `yaml:"data"`
	DenialVerbosity DenialVerbosity `yaml:"denial_verbosity"`
}

// NetworkConfig holds the outbound egress rule.
type NetworkConfig struct {
	Outbound NetworkPolicy `yaml:"outbound"`
}

// ToolsConfig lists the tools that may be invoked at all.
type ToolsConfig struct {
	Allow []string `yaml:"allow"`
}

// DataConfig scopes data-access tools to specific targets.
type DataConfig struct {
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Vector     VectorConfig     `yaml:"vector"`
}

// SQLiteConfig lists database paths a query tool may target.
type SQLiteConfig struct {
	Allow []string `yaml:"allow"`
}

// FilesystemConfig lists writable path prefixes. Empty means no writes
// are ever permitted. Prefixes may use glob patterns ("scratch/**").
type FilesystemConfig struct {
	AllowWrite []string `yaml:"allow_write"`
}

// VectorConfig lists vector collections permitted for similarity search.
type VectorConfig struct {
	Allow []string `yaml:"allow"`
}

// EmbeddingConfig identifies the embedding backend. Not policy-relevant;
// passed through to the tool executor.
type EmbeddingConfig struct {
	Backend  string `yaml:"backend"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

// VectorDBConfig identifies the vector store backend.
type VectorDBConfig struct {
	Backend     string `yaml:"backend"`
	Endpoint    string `yaml:"endpoint"`
	DefaultTopK int    `yaml:"default_top_k"`
}

// AuditConfig holds the audit log destination.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ErrorKind classifies manifest load failures.
type ErrorKind string

const (
	ErrMissingField  ErrorKind = "missing_field"
	ErrInvalidValue  ErrorKind = "invalid_value"
	ErrSchemaVersion ErrorKind = "schema_version"
)

// ManifestError is a descriptive, typed load/validation failure.
type ManifestError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %s: %s", e.Kind, e.Field, e.Message)
}

func missingField(field string) error {
	return &ManifestError{Kind: ErrMissingField, Field: field, Message: "required field is missing"}
}

func invalidValue(field, msg string) error {
	return &ManifestError{Kind: ErrInvalidValue, Field: field, Message: msg}
}

// rawManifest mirrors the YAML document. Unknown top-level keys are
// ignored for forward compatibility; unknown keys inside recognized
// sections are rejected by strict per-section decoding.
type rawManifest struct {
	Version   string    `yaml:"version"`
	App       yaml.Node `yaml:"app"`
	Policy    yaml.Node `yaml:"policy"`
	Embedding yaml.Node `yaml:"embedding"`
	VectorDB  yaml.Node `yaml:"vector_db"`
	Audit     yaml.Node `yaml:"audit"`
}

// Load reads, expands, parses, and validates the manifest at path.
// It never returns a partial manifest.
func Load(filePath string) (*Manifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", filePath, err)
	}
	return Parse(data)
}

// Parse validates a manifest document held in memory.
func Parse(data []byte) (*Manifest, error) {
	expanded := expandEnvVars(string(data))

	var raw rawManifest
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, invalidValue("(document)", fmt.Sprintf("failed to parse YAML: %v", err))
	}

	m := &Manifest{Version: raw.Version}
	if m.Version == "" {
		m.Version = SchemaVersion
	}
	if m.Version != SchemaVersion {
		return nil, &ManifestError{
			Kind:    ErrSchemaVersion,
			Field:   "version",
			Message: fmt.Sprintf("manifest version %q is not supported (want %q)", m.Version, SchemaVersion),
		}
	}

	if raw.App.IsZero() {
		return nil, missingField("app")
	}
	if err := decodeStrict(&raw.App, "app", &m.App); err != nil {
		return nil, err
	}
	if raw.Policy.IsZero() {
		return nil, missingField("policy")
	}
	if err := decodeStrict(&raw.Policy, "policy", &m.Policy); err != nil {
		return nil, err
	}
	if raw.Audit.IsZero() {
		return nil, missingField("audit")
	}
	if err := decodeStrict(&raw.Audit, "audit", &m.Audit); err != nil {
		return nil, err
	}

	// Backend sections are optional; defaults are filled in validate.
	if !raw.Embedding.IsZero() {
		if err := decodeStrict(&raw.Embedding, "embedding", &m.Embedding); err != nil {
			return nil, err
		}
	}
	if !raw.VectorDB.IsZero() {
		if err := decodeStrict(&raw.VectorDB, "vector_db", &m.VectorDB); err != nil {
			return nil, err
		}
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeStrict re-decodes one section with strict field checking so that
// unknown keys inside recognized sections are rejected, while unknown
// top-level keys remain ignored.
func decodeStrict(node *yaml.Node, field string, out interface{}) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return invalidValue(field, err.Error())
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return invalidValue(field, err.Error())
	}
	return nil
}

func (m *Manifest) validate() error {
	if m.App.Name == "" {
		return missingField("app.name")
	}

	switch m.Policy.Network.Outbound {
	case NetworkAllow, NetworkDeny:
	case "":
		return missingField("policy.network.outbound")
	default:
		return invalidValue("policy.network.outbound",
			fmt.Sprintf("must be %q or %q, got %q", NetworkAllow, NetworkDeny, m.Policy.Network.Outbound))
	}

	switch m.Policy.DenialVerbosity {
	case DenialVerbosityFull, DenialVerbosityGeneric:
	case "":
		m.Policy.DenialVerbosity = DenialVerbosityFull
	default:
		return invalidValue("policy.denial_verbosity",
			fmt.Sprintf("must be %q or %q, got %q", DenialVerbosityFull, DenialVerbosityGeneric, m.Policy.DenialVerbosity))
	}

	var err error
	if m.Policy.Tools.Allow, err = normalizeSet("policy.tools.allow", m.Policy.Tools.Allow); err != nil {
		return err
	}
	if m.Policy.Data.SQLite.Allow, err = normalizeSet("policy.data.sqlite.allow", m.Policy.Data.SQLite.Allow); err != nil {
		return err
	}
	if m.Policy.Data.Vector.Allow, err = normalizeSet("policy.data.vector.allow", m.Policy.Data.Vector.Allow); err != nil {
		return err
	}
	if m.Policy.Data.Filesystem.AllowWrite, err = normalizeSet("policy.data.filesystem.allow_write", m.Policy.Data.Filesystem.AllowWrite); err != nil {
		return err
	}

	// Writable prefixes must stay inside the data root: no absolute
	// paths and no upward traversal.
	for _, prefix := range m.Policy.Data.Filesystem.AllowWrite {
		if path.IsAbs(prefix) {
			return invalidValue("policy.data.filesystem.allow_write",
				fmt.Sprintf("%q is absolute; writable prefixes must be relative to the data root", prefix))
		}
		cleaned := path.Clean(prefix)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return invalidValue("policy.data.filesystem.allow_write",
				fmt.Sprintf("%q escapes the data root", prefix))
		}
	}

	if m.Audit.Path == "" {
		return missingField("audit.path")
	}

	if m.Embedding.Backend == "" {
		m.Embedding.Backend = "ollama"
	}
	if m.Embedding.Model == "" {
		m.Embedding.Model = "nomic-embed-text"
	}
	if m.VectorDB.Backend == "" {
		m.VectorDB.Backend = "chroma"
	}
	if m.VectorDB.DefaultTopK <= 0 {
		m.VectorDB.DefaultTopK = 5
	}

	return nil
}

// normalizeSet collapses duplicates, rejects empty entries, and sorts so
// that loading the same document twice yields structurally equal values.
func normalizeSet(field string, values []string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			return nil, invalidValue(field, "entries must be non-empty strings")
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// ToolAllowed reports whether a tool name appears in tools.allow.
func (m *Manifest) ToolAllowed(name string) bool {
	return contains(m.Policy.Tools.Allow, name)
}

// DatabaseAllowed reports whether a SQLite path appears in data.sqlite.allow.
func (m *Manifest) DatabaseAllowed(dbPath string) bool {
	return contains(m.Policy.Data.SQLite.Allow, path.Clean(dbPath))
}

// CollectionAllowed reports whether a vector collection is permitted.
func (m *Manifest) CollectionAllowed(name string) bool {
	return contains(m.Policy.Data.Vector.Allow, name)
}

// DefaultDatabase returns the first allowed SQLite path, or "" when the
// allow set is empty.
func (m *Manifest) DefaultDatabase() string {
	if len(m.Policy.Data.SQLite.Allow) == 0 {
		return ""
	}
	return m.Policy.Data.SQLite.Allow[0]
}

// DefaultCollection returns the first allowed vector collection, or "".
func (m *Manifest) DefaultCollection() string {
	if len(m.Policy.Data.Vector.Allow) == 0 {
		return ""
	}
	return m.Policy.Data.Vector.Allow[0]
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME references.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the manifest
// text. Supports ${VAR}, $VAR and ${VAR:-default}. Undefined variables
// expand to the empty string so validation catches them downstream.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}
