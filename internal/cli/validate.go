package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ir"
	"github.com/roach88/scenehost/internal/sandbox"
)

// ValidationProblem is one thing wrong with a scene.
type ValidationProblem struct {
	Scene   string `json:"scene"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p ValidationProblem) String() string {
	loc := p.Scene
	if p.File != "" {
		loc += "/" + p.File
		if p.Line > 0 {
			loc += fmt.Sprintf(":%d", p.Line)
		}
	}
	return fmt.Sprintf("%s: [%s] %s", loc, p.Code, p.Message)
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Scenes   []string            `json:"scenes"`
	Problems []ValidationProblem `json:"problems,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenes-dir>",
		Short: "Check scenes without running them",
		Long: `Check every scene in a directory without running it.

For each sub-directory holding a scene.json: the manifest is validated
against the scene schema, the main script must exist and compile, and no
parcel may be claimed by two scenes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, scenesDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if err := checkDir(scenesDir); err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return err
	}

	result, err := ValidateScenesDir(scenesDir, formatter)
	if err != nil {
		_ = formatter.Error(ErrCodeScanError, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to scan scenes", err)
	}
	if len(result.Scenes) == 0 && len(result.Problems) == 0 {
		msg := fmt.Sprintf("no scenes found in %s", scenesDir)
		_ = formatter.Error(ErrCodeNoScenes, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if !result.Valid {
		return outputValidationProblems(formatter, result)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("✓ %d scene(s) valid", len(result.Scenes)))
}

// outputValidationProblems reports a failed validation. Problems are a
// validation failure (exit code 1), not a command error.
func outputValidationProblems(formatter *OutputFormatter, result *ValidationResult) error {
	if formatter.Format == "json" {
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		err := encoder.Encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    result.Problems[0].Code,
				Message: result.Problems[0].Message,
			},
		})
		if err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d problem(s)", len(result.Problems)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range result.Problems {
		fmt.Fprintf(formatter.Writer, "  %s\n", p)
	}
	fmt.Fprintln(formatter.Writer)
	fmt.Fprintf(formatter.Writer, "%d problem(s) in %d scene(s)\n", len(result.Problems), len(result.Scenes))
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d problem(s)", len(result.Problems)))
}

// ValidateScenesDir checks every scene directory under dir. The error is
// only for a directory that cannot be read; scene problems are in the
// result.
func ValidateScenesDir(dir string, formatter *OutputFormatter) (*ValidationResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Valid: true, Scenes: []string{}}
	owners := make(map[ir.Parcel]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		sceneDir := filepath.Join(dir, id)
		if _, err := os.Stat(filepath.Join(sceneDir, content.ManifestFile)); errors.Is(err, fs.ErrNotExist) {
			formatter.VerboseLog("Skipping %s: no %s", id, content.ManifestFile)
			continue
		}
		result.Scenes = append(result.Scenes, id)
		formatter.VerboseLog("Validating scene: %s", id)

		m, problems := validateScene(id, sceneDir)
		result.Problems = append(result.Problems, problems...)
		if m == nil {
			continue
		}
		for _, p := range m.Parcels {
			if owner, taken := owners[p]; taken {
				result.Problems = append(result.Problems, ValidationProblem{
					Scene:   id,
					File:    content.ManifestFile,
					Code:    ErrCodeParcelConflict,
					Message: fmt.Sprintf("parcel %s is also claimed by %s", p, owner),
				})
				continue
			}
			owners[p] = id
		}
	}

	sort.SliceStable(result.Problems, func(i, j int) bool {
		return result.Problems[i].Scene < result.Problems[j].Scene
	})
	result.Valid = len(result.Problems) == 0
	return result, nil
}

// validateScene returns the manifest when it parsed, and every problem found.
func validateScene(id, sceneDir string) (*content.Manifest, []ValidationProblem) {
	path := filepath.Join(sceneDir, content.ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationProblem{{Scene: id, File: content.ManifestFile, Code: ErrCodeManifestInvalid, Message: err.Error()}}
	}
	m, err := content.ParseManifest(ir.SceneID(id), content.ManifestFile, data)
	if err != nil {
		p := ValidationProblem{Scene: id, File: content.ManifestFile, Code: ErrCodeManifestInvalid, Message: err.Error()}
		var me *content.ManifestError
		if errors.As(err, &me) {
			p.Line = me.Line
			p.Message = me.Message
		}
		return nil, []ValidationProblem{p}
	}

	src, err := os.ReadFile(filepath.Join(sceneDir, filepath.FromSlash(m.Main)))
	if err != nil {
		return m, []ValidationProblem{{Scene: id, File: m.Main, Code: ErrCodeMainMissing, Message: fmt.Sprintf("main script %s cannot be read", m.Main)}}
	}
	if _, err := sandbox.CompileModule(id+"/"+m.Main, string(src)); err != nil {
		return m, []ValidationProblem{{Scene: id, File: m.Main, Code: ErrCodeScriptInvalid, Message: err.Error()}}
	}
	return m, nil
}
