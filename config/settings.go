package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
	"sigs.k8s.io/yaml"
)

// Settings are the process-wide debug variables that alter allocation and IPC policy. A
// Settings value is handed to the driver at creation and never changes afterwards.
type Settings struct {
	// AllowUnrestrictedSize lets every allocation exceed the device's single-allocation ceiling,
	// as though a relaxed-limits descriptor had been attached
	AllowUnrestrictedSize bool `toml:"AllowUnrestrictedSize" json:"AllowUnrestrictedSize"`
	// EnableImplicitScaling makes multi-tile root devices spread allocations across their tiles
	EnableImplicitScaling bool `toml:"EnableImplicitScaling" json:"EnableImplicitScaling"`
	// EnableIpcSocketFallback registers exported handles with the local socket server and lets
	// importers fetch through it when pidfd duplication is unavailable
	EnableIpcSocketFallback bool `toml:"EnableIpcSocketFallback" json:"EnableIpcSocketFallback"`
	// ForceIpcSocketFallback makes importers always fetch through the socket server
	ForceIpcSocketFallback bool `toml:"ForceIpcSocketFallback" json:"ForceIpcSocketFallback"`
	// UseOpaqueIpcHandles embeds the exporter's process id in IPC handles
	UseOpaqueIpcHandles bool `toml:"UseOpaqueIpcHandles" json:"UseOpaqueIpcHandles"`
	// IpcSocketDir is where the socket server creates its listening socket
	IpcSocketDir string `toml:"IpcSocketDir" json:"IpcSocketDir"`
	// IpcSocketTimeout bounds a single socket fetch
	IpcSocketTimeout time.Duration `toml:"IpcSocketTimeout" json:"IpcSocketTimeout"`
	// EnableHostUsmAllocationPool is the host pool size in MB, 0 disables the pool
	EnableHostUsmAllocationPool int `toml:"EnableHostUsmAllocationPool" json:"EnableHostUsmAllocationPool"`
	// EnableDeviceUsmAllocationPool is the per-device pool size in MB, 0 disables the pool
	EnableDeviceUsmAllocationPool int `toml:"EnableDeviceUsmAllocationPool" json:"EnableDeviceUsmAllocationPool"`
	// UsmPoolThreshold is the largest allocation in bytes that is served from a pool
	UsmPoolThreshold uint64 `toml:"UsmPoolThreshold" json:"UsmPoolThreshold"`
	// LogLevel is one of debug, info, warn or error
	LogLevel string `toml:"LogLevel" json:"LogLevel"`
}

// Default returns the settings used when nothing is configured
func Default() Settings {
	return Settings{
		IpcSocketDir:     os.TempDir(),
		IpcSocketTimeout: 5 * time.Second,
		UsmPoolThreshold: 1 << 20,
		LogLevel:         "warn",
	}
}

// Load reads settings from a TOML or YAML file on top of Default and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Settings, error) {
	settings := Default()

	if path != "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			_, err := toml.DecodeFile(path, &settings)
			if err != nil {
				return settings, errors.Wrapf(err, "failed to decode settings file %s", path)
			}
		case ".yaml", ".yml", ".json":
			data, err := os.ReadFile(path)
			if err != nil {
				return settings, errors.Wrapf(err, "failed to read settings file %s", path)
			}
			err = yaml.Unmarshal(data, &settings)
			if err != nil {
				return settings, errors.Wrapf(err, "failed to decode settings file %s", path)
			}
		default:
			return settings, errors.Newf("unrecognized settings file extension: %s", path)
		}
	}

	err := settings.ApplyEnvironment(os.LookupEnv)
	return settings, err
}

// ApplyEnvironment overrides each field whose name is set in the environment. Booleans accept
// 0/1 as well as true/false.
func (s *Settings) ApplyEnvironment(lookup func(string) (string, bool)) error {
	value := reflect.ValueOf(s).Elem()
	fields := value.Type()

	for i := 0; i < fields.NumField(); i++ {
		field := fields.Field(i)
		raw, ok := lookup(field.Name)
		if !ok {
			continue
		}

		target := value.Field(i)
		switch {
		case field.Type == reflect.TypeOf(time.Duration(0)):
			d, err := time.ParseDuration(raw)
			if err != nil {
				return errors.Wrapf(err, "invalid value for %s", field.Name)
			}
			target.SetInt(int64(d))
		case target.Kind() == reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return errors.Wrapf(err, "invalid value for %s", field.Name)
			}
			target.SetBool(b)
		case target.Kind() == reflect.Int:
			n, err := strconv.ParseInt(raw, 0, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid value for %s", field.Name)
			}
			target.SetInt(n)
		case target.Kind() == reflect.Uint64:
			n, err := strconv.ParseUint(raw, 0, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid value for %s", field.Name)
			}
			target.SetUint(n)
		case target.Kind() == reflect.String:
			target.SetString(raw)
		}
	}

	return nil
}

// Level converts LogLevel to a slog level, defaulting to warn
func (s Settings) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// HostPoolSize is the host USM pool size in bytes
func (s Settings) HostPoolSize() uint64 {
	if s.EnableHostUsmAllocationPool <= 0 {
		return 0
	}
	return uint64(s.EnableHostUsmAllocationPool) << 20
}

// DevicePoolSize is the device USM pool size in bytes
func (s Settings) DevicePoolSize() uint64 {
	if s.EnableDeviceUsmAllocationPool <= 0 {
		return 0
	}
	return uint64(s.EnableDeviceUsmAllocationPool) << 20
}
