// Package host is a reference host for sandboxed plugins: it validates
// manifests, starts sandboxes, enforces their capabilities, and forwards HTTP
// requests and hooks across the boundary.
package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/harun/sandbridge/pkg/capability"
	"github.com/harun/sandbridge/pkg/plugin"
)

var (
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)
	idSeparators  = regexp.MustCompile(`[^a-z0-9]+`)
)

// Format is the encoding of a manifest file
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath guesses the manifest format from a file extension
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Manifest describes a plugin and everything it asks the host for.
type Manifest struct {
	ManifestVersion string               `json:"manifestVersion"`
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Version         string               `json:"version,omitempty"`
	Description     string               `json:"description,omitempty"`
	MinHostVersion  string               `json:"minHostVersion,omitempty"`
	Permissions     PermissionList       `json:"permissions,omitempty"`
	Routes          []ManifestRoute      `json:"routes,omitempty"`
	Hooks           []ManifestHook       `json:"hooks,omitempty"`
	Cron            []ManifestCron       `json:"cron,omitempty"`
	HTTPAllowlist   []string             `json:"httpAllowlist,omitempty"`
	Capabilities    ManifestCapabilities `json:"capabilities"`
	Config          map[string]any       `json:"config,omitempty"`
}

// ManifestRoute declares a route the plugin will register
type ManifestRoute struct {
	Method     string `json:"method,omitempty"`
	Path       string `json:"path"`
	Permission string `json:"permission,omitempty"`
}

// ManifestHook declares a hook the plugin will register
type ManifestHook struct {
	Name       string `json:"name"`
	Permission string `json:"permission,omitempty"`
}

// ManifestCron declares a scheduled job
type ManifestCron struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Permission string `json:"permission,omitempty"`
}

// ManifestCapabilities lists the capability classes the plugin needs
type ManifestCapabilities struct {
	DB   []string `json:"db,omitempty"`
	FS   []string `json:"fs,omitempty"`
	HTTP []string `json:"http,omitempty"`
}

// PermissionList accepts either a list of permissions or {"required": [...]}.
type PermissionList []string

func (p *PermissionList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = list
		return nil
	}

	var obj struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("permissions must be a list or an object with required: %w", err)
	}
	*p = obj.Required
	return nil
}

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
	hookPrefix   string
}

// ManifestOption configures a ManifestLoader
type ManifestOption func(*ManifestLoader)

// WithHookPrefix requires every declared hook name to start with prefix
func WithHookPrefix(prefix string) ManifestOption {
	return func(m *ManifestLoader) {
		m.hookPrefix = prefix
	}
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger, opts ...ManifestOption) *ManifestLoader {
	m := &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads and validates a manifest file
func (m *ManifestLoader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := m.Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// Parse validates and decodes manifest data. JSON may contain comments.
func (m *ManifestLoader) Parse(data []byte, format Format) (*Manifest, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	if err := m.validateSchema(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(doc, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	manifest.Name = strings.TrimSpace(manifest.Name)
	if manifest.ID == "" {
		manifest.ID = DeriveID(manifest.Name)
	}

	if err := m.validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert manifest YAML: %w", err)
		}
		return out, nil
	default:
		return jsonc.ToJSON(data), nil
	}
}

// validateSchema validates the manifest against the JSON schema
func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// validateManifest checks what the schema cannot express
func (m *ManifestLoader) validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("invalid plugin id %q (must be lowercase alphanumeric with hyphens)", manifest.ID)
	}

	if manifest.Version != "" {
		if _, err := semver.NewVersion(manifest.Version); err != nil {
			return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
		}
	}

	if manifest.MinHostVersion != "" {
		if _, err := hostConstraint(manifest.MinHostVersion); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(manifest.Hooks))
	for _, h := range manifest.Hooks {
		if m.hookPrefix != "" && !strings.HasPrefix(h.Name, m.hookPrefix) {
			return fmt.Errorf("hook %q must start with %q", h.Name, m.hookPrefix)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate hook %q", h.Name)
		}
		seen[h.Name] = true
	}

	for _, c := range manifest.Cron {
		if _, err := plugin.ParseSchedule(c.Schedule); err != nil {
			return fmt.Errorf("cron %q: %w", c.Name, err)
		}
	}

	return nil
}

// DeriveID turns a display name into a plugin id
func DeriveID(name string) string {
	id := idSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(id, "-")
}

// RequestedPermissions returns every permission the manifest needs, in
// declaration order without duplicates. Routes, hooks and jobs without an
// explicit permission request their default one.
func (m *Manifest) RequestedPermissions() []capability.Permission {
	var perms []capability.Permission
	add := func(p capability.Permission) {
		if p != "" && !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}

	for _, p := range m.Permissions {
		add(capability.Permission(p))
	}
	for _, r := range m.Routes {
		if r.Permission != "" {
			add(capability.Permission(r.Permission))
			continue
		}
		method := r.Method
		if method == "" {
			method = "GET"
		}
		add(capability.RoutePermission(method, r.Path))
	}
	for _, h := range m.Hooks {
		if h.Permission != "" {
			add(capability.Permission(h.Permission))
			continue
		}
		add(capability.HookPermission(h.Name))
	}
	for _, c := range m.Cron {
		if c.Permission != "" {
			add(capability.Permission(c.Permission))
			continue
		}
		add(capability.CronPermission(c.Name))
	}
	return perms
}

// MissingPermissions returns the requested permissions not covered by grants
func (m *Manifest) MissingPermissions(grants *capability.Grants) []capability.Permission {
	return grants.Missing(m.RequestedPermissions()...)
}

// CheckGranted returns ErrPermissionsNotGranted naming every missing permission
func (m *Manifest) CheckGranted(grants *capability.Grants) error {
	missing := m.MissingPermissions(grants)
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, p := range missing {
		names[i] = string(p)
	}
	return fmt.Errorf("%w: %s", ErrPermissionsNotGranted, strings.Join(names, ", "))
}

// Descriptor builds the capability descriptor sent to the sandbox at init
func (m *Manifest) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		DBRead:        slices.Contains(m.Capabilities.DB, "read") || slices.Contains(m.Capabilities.DB, "write"),
		DBWrite:       slices.Contains(m.Capabilities.DB, "write"),
		FSRead:        slices.Contains(m.Capabilities.FS, "read"),
		HTTPAllowlist: slices.Clone(m.HTTPAllowlist),
	}
}

// CheckCompatibility returns ErrIncompatible when hostVersion does not satisfy
// the manifest's minimum host version.
func (m *Manifest) CheckCompatibility(hostVersion string) error {
	if m.MinHostVersion == "" {
		return nil
	}

	constraint, err := hostConstraint(m.MinHostVersion)
	if err != nil {
		return err
	}

	if hostVersion == "" {
		hostVersion = "0.0.0"
	}
	current, err := semver.NewVersion(hostVersion)
	if err != nil {
		return fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}

	if !constraint.Check(current) {
		return fmt.Errorf("%w: %s requires host %s (running %s)", ErrIncompatible, m.ID, m.MinHostVersion, hostVersion)
	}
	return nil
}

// hostConstraint accepts a bare version, meaning ">= version", or a constraint.
func hostConstraint(min string) (*semver.Constraints, error) {
	min = strings.TrimSpace(min)
	if min == "" {
		return nil, fmt.Errorf("invalid minHostVersion: empty")
	}
	expr := min
	if !strings.ContainsAny(min[:1], "<>=~^!") {
		expr = ">= " + min
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid minHostVersion %q: %w", min, err)
	}
	return c, nil
}
