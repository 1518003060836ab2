package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

type runOptions struct {
	input     string
	inputFile string
	file      string
	jsonOut   bool
	quiet     bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Run a pipeline and wait for it to finish",
		Long: `Run a pipeline in-process, streaming step progress to stderr and printing the
final output to stdout.

Input is taken from --input, --input-file, or stdin ("-"). Text that is not
valid JSON is sent as a JSON string.

Examples:
  maestro run content --input '{"topic": "otters"}'
  maestro run content -f pipelines/content.yaml --input "write about otters"
  echo "otters" | maestro run content --input-file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, args[0], opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "pipeline input (JSON or text)")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "read input from file (- for stdin)")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "load pipeline definitions from this file first")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the execution as JSON")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not stream progress")
	return cmd
}

func runPipeline(ctx context.Context, cfg Config, pipelineID string, opts *runOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	input, err := readInput(opts.input, opts.inputFile, stdin)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	if err := a.loadCatalog(ctx); err != nil {
		return err
	}
	if opts.file != "" {
		if _, err := a.catalog.LoadFile(ctx, opts.file); err != nil {
			return err
		}
	}

	if !opts.quiet {
		stop, err := followProgress(ctx, a.hub, stderr)
		if err != nil {
			return err
		}
		defer stop()
	}

	exec, err := a.engine.Run(ctx, engine.SubmitRequest{PipelineID: pipelineID, Input: input})
	if err != nil {
		return err
	}
	return printExecution(stdout, exec, opts.jsonOut)
}

// readInput returns the pipeline input as JSON. Non-JSON text becomes a string.
func readInput(inline, file string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("use either --input or --input-file")
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("input is required (--input or --input-file)")
	}

	trimmed := strings.TrimSpace(string(raw))
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(trimmed)
}

// followProgress prints one line per step lifecycle event.
func followProgress(ctx context.Context, hub streaming.EventHub, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{
		schema.EventStepStarted, schema.EventStepRetrying, schema.EventStepCompleted,
		schema.EventStepFailed, schema.EventCircuitOpen,
	}})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			step := ""
			if ev.StepIndex != nil {
				step = fmt.Sprintf(" step=%d", *ev.StepIndex)
			}
			fmt.Fprintf(w, "%-15s%s %s\n", ev.Type, step, ev.Payload)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func printExecution(w io.Writer, exec *schema.Execution, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(exec)
	}
	if exec.Status != schema.ExecutionStatusCompleted {
		fmt.Fprintf(w, "execution %s %s: %s\n", exec.ID, exec.Status, exec.Error)
		if exec.Status.Resumable() {
			fmt.Fprintf(w, "resume with: maestro resume %s\n", exec.ID)
		}
		return fmt.Errorf("execution %s", exec.Status)
	}
	fmt.Fprintln(w, exec.Output)
	return nil
}
