package site

import (
	"fmt"
	"regexp"
)

// Engine identifies the server engine fronting a sandbox.
type Engine string

const (
	// EngineBuiltin is the runtime's built-in development server.
	EngineBuiltin Engine = "builtin"
	// EngineNginx fronts the sandbox with a per-site nginx instance.
	EngineNginx Engine = "nginx"
	// EngineCaddy fronts the sandbox with a per-site caddy instance.
	EngineCaddy Engine = "caddy"
)

// DefaultRuntimeVersion is the interpreter version assumed when a request
// does not pin one.
const DefaultRuntimeVersion = "8.3"

// Engines lists every supported server engine.
func Engines() []Engine {
	return []Engine{EngineBuiltin, EngineNginx, EngineCaddy}
}

// ParseEngine validates an engine name from user input.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineBuiltin, EngineNginx, EngineCaddy:
		return Engine(s), nil
	}
	return "", &ValidationError{Field: "server_engine", Reason: fmt.Sprintf("unknown engine %q", s)}
}

// EngineConfig is the closed union of per-engine configurations. Exactly one
// concrete type exists per engine, validated at construction, so an invalid
// engine/runtime combination is a construction-time error rather than a
// runtime surprise. Args renders the process invocation for a given bind.
type EngineConfig interface {
	Engine() Engine
	RuntimeVersion() string

	// Args returns the argv (program first) that serves rootPath on the
	// loopback port, with the modules required by the storage backend.
	Args(port int, rootPath string, backend StorageBackend) []string

	// ReadyMarker is a substring on the process diagnostic stream that
	// signals readiness, or "" when only the port probe applies.
	ReadyMarker() string
}

var runtimeVersionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

// NewEngineConfig constructs the configuration variant for the given engine,
// validating the runtime version up front.
func NewEngineConfig(engine Engine, runtimeVersion string) (EngineConfig, error) {
	if !runtimeVersionPattern.MatchString(runtimeVersion) {
		return nil, &ValidationError{
			Field:  "runtime_version",
			Reason: fmt.Sprintf("invalid runtime version %q (want MAJOR.MINOR[.PATCH])", runtimeVersion),
		}
	}
	switch engine {
	case EngineBuiltin:
		return BuiltinConfig{Version: runtimeVersion}, nil
	case EngineNginx:
		return NginxConfig{Version: runtimeVersion}, nil
	case EngineCaddy:
		return CaddyConfig{Version: runtimeVersion}, nil
	}
	return nil, &ValidationError{Field: "server_engine", Reason: fmt.Sprintf("unknown engine %q", engine)}
}

// storageModuleFlags returns the runtime module flags for the sandbox's
// actual storage backend. The embedded backend needs the file-database
// module; client-server needs the wire-protocol client module.
func storageModuleFlags(backend StorageBackend) []string {
	switch backend {
	case BackendClientServer:
		return []string{"-d", "extension=pdo_pgsql"}
	default:
		return []string{"-d", "extension=pdo_sqlite"}
	}
}

// BuiltinConfig runs the runtime's own development server. No external
// server binary is required, which makes it the fallback engine.
type BuiltinConfig struct {
	Version string
}

func (c BuiltinConfig) Engine() Engine         { return EngineBuiltin }
func (c BuiltinConfig) RuntimeVersion() string { return c.Version }
func (c BuiltinConfig) ReadyMarker() string    { return "Development Server" }

func (c BuiltinConfig) Args(port int, rootPath string, backend StorageBackend) []string {
	args := []string{fmt.Sprintf("php%s", c.Version)}
	args = append(args, storageModuleFlags(backend)...)
	return append(args, "-S", fmt.Sprintf("127.0.0.1:%d", port), "-t", rootPath)
}

// NginxConfig fronts the runtime with nginx in foreground single-site mode.
type NginxConfig struct {
	Version string
}

func (c NginxConfig) Engine() Engine         { return EngineNginx }
func (c NginxConfig) RuntimeVersion() string { return c.Version }
func (c NginxConfig) ReadyMarker() string    { return "" }

func (c NginxConfig) Args(port int, rootPath string, backend StorageBackend) []string {
	directives := fmt.Sprintf(
		"daemon off; error_log stderr; events {} http { server { listen 127.0.0.1:%d; root %s; } }",
		port, rootPath,
	)
	return []string{"nginx", "-p", rootPath, "-g", directives}
}

// CaddyConfig fronts the runtime with caddy's file server.
type CaddyConfig struct {
	Version string
}

func (c CaddyConfig) Engine() Engine         { return EngineCaddy }
func (c CaddyConfig) RuntimeVersion() string { return c.Version }
func (c CaddyConfig) ReadyMarker() string    { return "serving initial configuration" }

func (c CaddyConfig) Args(port int, rootPath string, backend StorageBackend) []string {
	return []string{
		"caddy", "file-server",
		"--listen", fmt.Sprintf("127.0.0.1:%d", port),
		"--root", rootPath,
	}
}
