package cli

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/wire"
)

// DecodeOptions holds flags for the decode command.
type DecodeOptions struct {
	*RootOptions
	Hex bool
}

// DecodedMessage is the JSON view of one decoded frame.
type DecodedMessage struct {
	Type       string `json:"type"`
	Entity     uint32 `json:"entity"`
	Number     uint16 `json:"number"`
	Generation uint16 `json:"generation"`
	Component  uint32 `json:"component,omitempty"`
	Name       string `json:"name,omitempty"`
	Timestamp  uint32 `json:"timestamp,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// DecodeResult is the output of the decode command.
type DecodeResult struct {
	Messages []DecodedMessage `json:"messages"`
	Errors   []string         `json:"errors,omitempty"`
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a CRDT message stream",
		Long: `Decode a stream of framed component messages, as scenes send them to
the host, and print one line per message.

Malformed frames are reported and skipped the way the host skips them. The
stream is read from file, or from stdin when file is "-" or missing.

Example:
  scenehost decode batch.bin
  echo 18000000010000000002000000d0070000... | scenehost decode --hex`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runDecode(opts, path, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Hex, "hex", false, "input is hex text (whitespace ignored)")

	return cmd
}

func runDecode(opts *DecodeOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}
	if opts.Hex {
		data, err = hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			_ = formatter.Error(ErrCodeDecodeFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid hex input", err)
		}
	}
	formatter.VerboseLog("Decoding %d byte(s)", len(data))

	result := DecodeStream(wire.DefaultRegistry(), data)
	lines := make([]string, 0, len(result.Messages)+len(result.Errors))
	for _, m := range result.Messages {
		lines = append(lines, m.String())
	}
	for _, e := range result.Errors {
		lines = append(lines, "error: "+e)
	}
	if err := formatter.Lines(lines, result); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d frame(s) could not be decoded", len(result.Errors)))
	}
	return nil
}

// DecodeStream decodes data with reg and renders the result.
func DecodeStream(reg *wire.Registry, data []byte) DecodeResult {
	msgs, errs := reg.DecodeStream(data)
	result := DecodeResult{Messages: make([]DecodedMessage, 0, len(msgs))}
	for _, m := range msgs {
		d := DecodedMessage{
			Type:       m.Type.String(),
			Entity:     uint32(m.Entity),
			Number:     m.Entity.Number(),
			Generation: m.Entity.Generation(),
		}
		if m.Type != wire.DeleteEntity {
			d.Component = uint32(m.Component)
			d.Name = reg.Name(m.Component)
			d.Timestamp = uint32(m.Timestamp)
		}
		if len(m.Payload) > 0 {
			d.Payload = hex.EncodeToString(m.Payload)
		}
		result.Messages = append(result.Messages, d)
	}
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	return result
}

func (d DecodedMessage) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s e=%d:%d", d.Type, d.Number, d.Generation)
	if d.Type == wire.DeleteEntity.String() {
		return b.String()
	}
	fmt.Fprintf(&b, " %s ts=%d", d.Name, d.Timestamp)
	if d.Payload != "" {
		fmt.Fprintf(&b, " %s", d.Payload)
	}
	return b.String()
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(stdin); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return os.ReadFile(path)
}
