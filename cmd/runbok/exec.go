package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/runbok/internal/execution"
	"github.com/dshills/runbok/internal/workflow"
)

type execOptions struct {
	code         string
	codeFile     string
	contextJSON  string
	endpoint     string
	imports      string
	mocks        string
	mockDeps     []string
	transpile    bool
	lua          bool
	workflowPath string
	field        string
	row          int
}

// execOutput is printed after every run, successful or not.
type execOutput struct {
	Success     bool     `json:"success"`
	Result      any      `json:"result"`
	Kind        string   `json:"kind,omitempty"`
	Details     string   `json:"details,omitempty"`
	RequestID   string   `json:"request_id"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func newExecCmd(root *rootOptions) *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute one snippet and print the result as JSON",
		Long: `Execute one snippet locally or against a remote inspector endpoint.

The snippet comes from --code, --code-file, or a named field of a workflow
file (--workflow with --field). A workflow supplies the endpoint and, unless
--context is given, the context row selected by --row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			req, err := opts.request(cmd)
			if err != nil {
				return err
			}

			a, err := wireApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				a.close(closeCtx)
			}()

			res := a.engine.Execute(cmd.Context(), req)
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK() {
				return res.Err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.code, "code", "", "Function expression to run, e.g. \"({a}) => a * 2\"")
	flags.StringVar(&opts.codeFile, "code-file", "", "Read the function expression from a file")
	flags.StringVar(&opts.contextJSON, "context", "", "Context object as JSON")
	flags.StringVar(&opts.endpoint, "endpoint", "", "Remote inspector endpoint (port, host:port or ws:// URL)")
	flags.StringVar(&opts.imports, "imports", "", "Import statements emitted before the snippet")
	flags.StringVar(&opts.mocks, "mocks", "", "Mock definitions emitted after the imports")
	flags.StringSliceVar(&opts.mockDeps, "mock-dep", nil, "Context keys made available to mocks")
	flags.BoolVar(&opts.transpile, "transpile", false, "Transpile the assembled source as TypeScript")
	flags.BoolVar(&opts.lua, "lua", false, "Run the snippet in the Lua sandbox")
	flags.StringVar(&opts.workflowPath, "workflow", "", "Workflow file or directory to read the field from")
	flags.StringVar(&opts.field, "field", "", "Field name within the workflow")
	flags.IntVar(&opts.row, "row", 0, "Index of the workflow values row used as context")

	cmd.MarkFlagsMutuallyExclusive("code", "code-file", "field")
	cmd.MarkFlagsRequiredTogether("workflow", "field")
	return cmd
}

// request builds the execution request from flags and the optional workflow.
func (o *execOptions) request(cmd *cobra.Command) (execution.Request, error) {
	req := execution.Request{
		Code:                o.code,
		Imports:             o.imports,
		Mocks:               o.mocks,
		MockDependencyNames: o.mockDeps,
		Context:             map[string]any{},
	}
	if o.transpile {
		req.Preprocessor = execution.PreprocessTranspile
	}
	if o.lua {
		req.Language = execution.LanguageLua
	}

	if o.codeFile != "" {
		data, err := os.ReadFile(o.codeFile)
		if err != nil {
			return execution.Request{}, fmt.Errorf("read code file: %w", err)
		}
		req.Code = string(data)
		req.ContextDir = filepath.Dir(o.codeFile)
	}

	if o.workflowPath != "" {
		if err := o.applyWorkflow(&req); err != nil {
			return execution.Request{}, err
		}
	}

	if o.contextJSON != "" {
		var ctx map[string]any
		if err := json.Unmarshal([]byte(o.contextJSON), &ctx); err != nil {
			return execution.Request{}, fmt.Errorf("parse --context: %w", err)
		}
		if ctx == nil {
			ctx = map[string]any{}
		}
		req.Context = ctx
	}
	if cmd.Flags().Changed("endpoint") {
		req.Endpoint = o.endpoint
	}
	return req, nil
}

func (o *execOptions) applyWorkflow(req *execution.Request) error {
	path, err := workflow.ResolvePath(o.workflowPath)
	if err != nil {
		return err
	}
	store := workflow.NewStore(path)
	doc, err := store.Load()
	if err != nil {
		return err
	}

	f, ok := doc.Field(o.field)
	if !ok {
		return fmt.Errorf("field %q not found in %s", o.field, path)
	}
	if !f.Computed() {
		return fmt.Errorf("field %q has no code", o.field)
	}

	req.Code = f.Code
	if req.Imports == "" {
		req.Imports = f.Imports
	}
	if req.Mocks == "" {
		req.Mocks = f.Mocks
	}
	if len(req.MockDependencyNames) == 0 {
		req.MockDependencyNames = f.MockDependencies
	}
	req.Endpoint = doc.Endpoint()
	req.ContextDir = filepath.Dir(store.Path())

	rows := doc.Values()
	switch {
	case o.row < 0:
		return errors.New("--row must not be negative")
	case o.row < len(rows):
		req.Context = rows[o.row]
	case o.row > 0:
		return fmt.Errorf("--row %d out of range: workflow has %d values rows", o.row, len(rows))
	}
	return nil
}

func printResult(w io.Writer, res execution.Result) error {
	out := execOutput{
		Success:     res.OK(),
		Result:      res.Value,
		RequestID:   res.RequestID,
		Diagnostics: res.Diagnostics,
	}
	if res.Err != nil {
		out.Kind = res.Err.Kind.String()
		out.Details = res.Err.Detail()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
