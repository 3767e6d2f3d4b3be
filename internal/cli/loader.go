package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/scenehost/internal/config"
	"github.com/roach88/scenehost/internal/content"
)

// Error code constants, unified across all CLI commands.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeScanError    = "E002" // Directory scan error
	ErrCodeNoScenes     = "E003" // No scenes found
	ErrCodeConfigFailed = "E004" // Config file unreadable or invalid
	ErrCodeNotFound     = "E005" // Path not found
	ErrCodeWriteFailed  = "E007" // File write error

	// Scene validation errors
	ErrCodeManifestInvalid = "E101" // scene.json failed to parse or validate
	ErrCodeMainMissing     = "E102" // main script file missing
	ErrCodeScriptInvalid   = "E103" // main script does not compile
	ErrCodeParcelConflict  = "E104" // parcel claimed by two scenes

	// Wire errors
	ErrCodeDecodeFailed = "E201" // one or more frames could not be decoded

	// Store errors
	ErrCodeStoreFailed = "E301" // permission store open/query failed
)

// loadConfig reads the --config file, or returns the defaults when none
// was given.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	slog.Debug("config loaded", "path", opts.Config)
	return cfg, nil
}

// checkDir reports a command error unless path is an existing directory.
func checkDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("directory not found: %s", path))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "error accessing directory", err)
	}
	if !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("not a directory: %s", path))
	}
	return nil
}

// openCatalog scans a scenes directory and wraps it with retries as the
// config asks.
func openCatalog(dir string, cfg config.Config, logger *slog.Logger) (*content.DirCatalog, content.Catalog, error) {
	if err := checkDir(dir); err != nil {
		return nil, nil, err
	}
	dirCat, err := content.NewDirCatalog(dir, content.WithLogger(logger))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to scan scenes", err)
	}
	if cfg.Content.Retries == 0 {
		return dirCat, dirCat, nil
	}
	retrying := content.NewRetrying(dirCat, cfg.Content.Retries, cfg.Content.Backoff).WithRetryLogger(logger)
	return dirCat, retrying, nil
}
