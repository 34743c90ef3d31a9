// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// flowctl is the command-line front end for the flowengine workflow
// engine core: it makes workflows from templates, submits them, queries
// parameters and submission state, and hosts the internal callbacks
// running jobscripts invoke.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	flowengine "github.com/ezrah/flowengine"
	"github.com/ezrah/flowengine/internal/adapters"
	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/internal/store"
	"github.com/ezrah/flowengine/pkg/config"
	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/watch"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	workflowRoot string
	debug        bool

	rootCmd = &cobra.Command{
		Use:           "flowctl",
		Short:         "CLI for the flowengine workflow engine",
		Long:          `A command-line interface for making, submitting and inspecting computational workflows.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&workflowRoot, "root", "", "workflow root directory (env: FLOWENGINE_WORKFLOW_ROOT)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(makeCmd)
	rootCmd.AddCommand(goCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(internalCmd)
	rootCmd.AddCommand(infoCmd)

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(getParamCmd)
	workflowCmd.AddCommand(getParamSourceCmd)
	workflowCmd.AddCommand(getAllParamsCmd)
	workflowCmd.AddCommand(isParamSetCmd)
	workflowCmd.AddCommand(subCmd)

	workflowCmd.AddCommand(watchCmd)
	workflowCmd.AddCommand(abortEARsCmd)

	subCmd.AddCommand(subStatusCmd)
	subCmd.AddCommand(submittedJSCmd)
	subCmd.AddCommand(outstandingJSCmd)
	subCmd.AddCommand(needsSubmitCmd)
	subCmd.AddCommand(subJSCmd)

	subJSCmd.AddCommand(jsResCmd)
	subJSCmd.AddCommand(jsDepsCmd)
	subJSCmd.AddCommand(jsPathCmd)
	subJSCmd.AddCommand(jsShowCmd)

	internalCmd.AddCommand(internalWorkflowCmd)
	internalWorkflowCmd.AddCommand(writeCommandsCmd)
	internalWorkflowCmd.AddCommand(saveParameterCmd)
	internalWorkflowCmd.AddCommand(setEARStartCmd)
	internalWorkflowCmd.AddCommand(setEAREndCmd)

	makeCmd.Flags().StringVar(&makePath, "path", "", "workflow directory to create (defaults under the workflow root)")
	makeCmd.Flags().BoolVar(&makeOverwrite, "overwrite", false, "replace an existing workflow directory")
	goCmd.Flags().StringVar(&makePath, "path", "", "workflow directory to create (defaults under the workflow root)")
	goCmd.Flags().BoolVar(&makeOverwrite, "overwrite", false, "replace an existing workflow directory")
	goCmd.Flags().StringVar(&jsParallelism, "js-parallelism", "", `jobscript parallelism: "", "direct" or "scheduled"`)
	workflowSubmitCmd.Flags().StringVar(&jsParallelism, "js-parallelism", "", `jobscript parallelism: "", "direct" or "scheduled"`)
}

var (
	makePath      string
	makeOverwrite bool
	jsParallelism string
)

func newEngine(ctx context.Context) (*flowengine.Engine, error) {
	cfg := config.NewDefault()
	if workflowRoot != "" {
		cfg.WorkflowRoot = workflowRoot
	}
	cfg.Debug = cfg.Debug || debug
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigError(err)
	}
	return flowengine.NewEngine(ctx, flowengine.WithConfig(cfg))
}

func openWorkflow(ctx context.Context, path string) (*flowengine.Workflow, error) {
	engine, err := newEngine(ctx)
	if err != nil {
		return nil, err
	}
	return engine.OpenWorkflow(ctx, path, store.ModeReadWrite)
}

// templateFile is the minimal YAML/JSON template surface this CLI
// accepts; the full template parser is an external collaborator.
type templateFile struct {
	Name  string         `yaml:"name" json:"name"`
	Tasks []templateTask `yaml:"tasks" json:"tasks"`
}

type templateTask struct {
	Name      string                    `yaml:"name" json:"name"`
	Inputs    map[string]any            `yaml:"inputs" json:"inputs"`
	Outputs   []string                  `yaml:"outputs" json:"outputs"`
	Sequences []templateSequence        `yaml:"sequences" json:"sequences"`
	Repeats   int                       `yaml:"repeats" json:"repeats"`
	Actions   []templateAction          `yaml:"actions" json:"actions"`
	Resources map[string]map[string]any `yaml:"resources" json:"resources"`
}

type templateSequence struct {
	Path         string `yaml:"path" json:"path"`
	Values       []any  `yaml:"values" json:"values"`
	NestingOrder int    `yaml:"nesting_order" json:"nesting_order"`
}

type templateAction struct {
	Commands []string `yaml:"commands" json:"commands"`
}

func loadTemplate(path string) (*templateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(err)
	}

	var tmpl templateFile
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &tmpl)
	} else {
		err = yaml.Unmarshal(data, &tmpl)
	}
	if err != nil {
		return nil, errors.NewConfigError(err)
	}
	if tmpl.Name == "" {
		tmpl.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &tmpl, nil
}

func (t *templateTask) toModel() *model.TaskTemplate {
	task := &model.TaskTemplate{
		Name:        t.Name,
		Outputs:     t.Outputs,
		Repeats:     t.Repeats,
		InputValues: map[string]any{},
	}
	for name, value := range t.Inputs {
		path := "inputs." + name
		task.Inputs = append(task.Inputs, model.SchemaInput{Path: path})
		if value != nil {
			task.InputValues[path] = value
		}
	}
	for _, seq := range t.Sequences {
		task.Sequences = append(task.Sequences, model.Sequence{
			Path:         seq.Path,
			Values:       seq.Values,
			NestingOrder: seq.NestingOrder,
		})
		// sequences imply the input exists even when not listed:
		found := false
		for _, in := range task.Inputs {
			if in.Path == seq.Path {
				found = true
				break
			}
		}
		if !found {
			task.Inputs = append(task.Inputs, model.SchemaInput{Path: seq.Path})
		}
	}
	for _, act := range t.Actions {
		action := model.Action{}
		for _, cmd := range act.Commands {
			action.Commands = append(action.Commands, model.Command{Command: cmd})
		}
		task.Actions = append(task.Actions, action)
	}
	if t.Resources != nil {
		task.Resources = map[string]*model.Resources{}
		for scope, fields := range t.Resources {
			data, err := json.Marshal(fields)
			if err != nil {
				continue
			}
			var res model.Resources
			if err := json.Unmarshal(data, &res); err == nil {
				res.Scope = scope
				task.Resources[scope] = &res
			}
		}
	}
	return task
}

func makeWorkflow(ctx context.Context, templatePath string) (*flowengine.Workflow, error) {
	tmpl, err := loadTemplate(templatePath)
	if err != nil {
		return nil, err
	}

	engine, err := newEngine(ctx)
	if err != nil {
		return nil, err
	}

	path := makePath
	if path == "" {
		path = filepath.Join(engine.Config().WorkflowRoot, tmpl.Name)
	}

	wk, err := engine.CreateWorkflow(ctx, path, tmpl.Name, makeOverwrite)
	if err != nil {
		return nil, err
	}
	for _, task := range tmpl.Tasks {
		if err := wk.AddTask(ctx, task.toModel()); err != nil {
			return nil, err
		}
	}
	return wk, nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Probe the configured shell and scheduler versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		cfg := engine.Config()
		osName := "posix"
		if cfg.DefaultShell == "powershell" {
			osName = "nt"
		}
		factory := adapters.NewFactory()
		adapter, err := factory.Get(cfg.DefaultShell, osName, cfg.DefaultScheduler)
		if err != nil {
			return err
		}
		info, err := adapter.GetVersionInfo(cmd.Context(), false)
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var makeCmd = &cobra.Command{
	Use:   "make <template>",
	Short: "Make a workflow from a template file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := makeWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(wk.Path())
		return nil
	},
}

var goCmd = &cobra.Command{
	Use:   "go <template>",
	Short: "Make a workflow from a template and submit it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := makeWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		subIdx, err := wk.Submit(cmd.Context(), jsParallelism)
		if err != nil {
			return err
		}
		wk.WaitSubmission(subIdx)
		fmt.Printf("%s submission %d\n", wk.Path(), subIdx)
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow <path>",
	Short: "Operate on an existing workflow",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit <path>",
	Short: "Submit all pending element-action-runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := openWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		subIdx, err := wk.Submit(cmd.Context(), jsParallelism)
		if err != nil {
			return err
		}
		fmt.Println(subIdx)
		return nil
	},
}

var getParamCmd = &cobra.Command{
	Use:   "get-param <path> <index>",
	Short: "Print a parameter value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, idx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		value, err := wk.GetParameterData(idx)
		if err != nil {
			return err
		}
		return printJSON(value)
	},
}

var getParamSourceCmd = &cobra.Command{
	Use:   "get-param-source <path> <index>",
	Short: "Print a parameter's provenance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, idx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		src, err := wk.GetParameterSource(idx)
		if err != nil {
			return err
		}
		return printJSON(src)
	},
}

var getAllParamsCmd = &cobra.Command{
	Use:   "get-all-params <path>",
	Short: "Print every parameter index and value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := openWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		params, err := wk.GetAllParameterData()
		if err != nil {
			return err
		}
		return printJSON(params)
	},
}

var isParamSetCmd = &cobra.Command{
	Use:   "is-param-set <path> <index>",
	Short: "Report whether a parameter has a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, idx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		set, err := wk.IsParameterSet(idx)
		if err != nil {
			return err
		}
		fmt.Println(set)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Register a workflow directory with the helper's watch list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.NewConfigError(err)
		}
		watcher := watch.NewDirWatcher(filepath.Join(home, ".flowengine_watched"))
		return watcher.AppendWorkflowDir(args[0])
	},
}

var abortEARsCmd = &cobra.Command{
	Use:   "abort-ears <path> <sub_idx> <ear_id>...",
	Short: "Request aborts for element-action-runs of a submission",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, subIdx, err := workflowAndIndex(cmd.Context(), args[:2])
		if err != nil {
			return err
		}
		subs, err := wk.GetSubmissions()
		if err != nil {
			return err
		}
		if subIdx >= len(subs) {
			return errors.NewEngineError(errors.ErrorCodeResourceNotFound,
				fmt.Sprintf("no submission %d", subIdx))
		}

		abortIDs := map[int]bool{}
		for _, arg := range args[2:] {
			id, err := strconv.Atoi(arg)
			if err != nil {
				return errors.NewConfigError(err)
			}
			abortIDs[id] = true
		}

		var earIDs []int
		for _, js := range subs[subIdx].Jobscripts {
			earIDs = append(earIDs, js.AllEARIDs()...)
		}
		subDir := filepath.Join(wk.Path(), "submissions", args[1])
		return watch.WriteAbortEARs(subDir, earIDs, abortIDs)
	},
}

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Inspect a workflow submission",
}

var subStatusCmd = &cobra.Command{
	Use:   "status <path> <sub_idx>",
	Short: "Print the live state of each jobscript",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, subIdx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		states, err := wk.GetJobscriptStates(cmd.Context(), subIdx)
		if err != nil {
			return err
		}
		for jsIdx := 0; jsIdx < len(states); jsIdx++ {
			fmt.Printf("js_%d\t%s\n", jsIdx, states[jsIdx])
		}
		return nil
	},
}

var submittedJSCmd = &cobra.Command{
	Use:   "submitted-js <path> <sub_idx>",
	Short: "List submitted jobscript indices",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, subIdx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		indices, err := wk.SubmittedJobscripts(subIdx)
		if err != nil {
			return err
		}
		return printJSON(indices)
	},
}

var outstandingJSCmd = &cobra.Command{
	Use:   "outstanding-js <path> <sub_idx>",
	Short: "List not-yet-submitted jobscript indices",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, subIdx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		indices, err := wk.OutstandingJobscripts(subIdx)
		if err != nil {
			return err
		}
		return printJSON(indices)
	},
}

var needsSubmitCmd = &cobra.Command{
	Use:   "needs-submit <path> <sub_idx>",
	Short: "Report whether any jobscript still needs submitting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, subIdx, err := workflowAndIndex(cmd.Context(), args)
		if err != nil {
			return err
		}
		indices, err := wk.OutstandingJobscripts(subIdx)
		if err != nil {
			return err
		}
		fmt.Println(len(indices) > 0)
		return nil
	},
}

var subJSCmd = &cobra.Command{
	Use:   "js",
	Short: "Inspect one jobscript of a submission",
}

func jobscriptArg(ctx context.Context, args []string) (*flowengine.Workflow, *model.Jobscript, error) {
	wk, err := openWorkflow(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	subIdx, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, nil, errors.NewConfigError(err)
	}
	jsIdx, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, nil, errors.NewConfigError(err)
	}
	subs, err := wk.GetSubmissions()
	if err != nil {
		return nil, nil, err
	}
	if subIdx >= len(subs) || jsIdx >= len(subs[subIdx].Jobscripts) {
		return nil, nil, errors.NewEngineError(errors.ErrorCodeResourceNotFound,
			fmt.Sprintf("no jobscript %s/%s", args[1], args[2]))
	}
	return wk, subs[subIdx].Jobscripts[jsIdx], nil
}

var jsResCmd = &cobra.Command{
	Use:   "res <path> <sub_idx> <js_idx>",
	Short: "Print a jobscript's resource record",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, js, err := jobscriptArg(cmd.Context(), args)
		if err != nil {
			return err
		}
		return printJSON(js.Resources)
	},
}

var jsDepsCmd = &cobra.Command{
	Use:   "deps <path> <sub_idx> <js_idx>",
	Short: "Print a jobscript's dependencies",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, js, err := jobscriptArg(cmd.Context(), args)
		if err != nil {
			return err
		}
		return printJSON(js.Dependencies())
	},
}

var jsPathCmd = &cobra.Command{
	Use:   "path <path> <sub_idx> <js_idx>",
	Short: "Print the composed jobscript's file path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, js, err := jobscriptArg(cmd.Context(), args)
		if err != nil {
			return err
		}
		subDir := filepath.Join(wk.Path(), "submissions", args[1])
		ext := ".sh"
		if js.ShellName == "powershell" {
			ext = ".ps1"
		}
		fmt.Println(filepath.Join(subDir, fmt.Sprintf("js_%d%s", js.Index, ext)))
		return nil
	},
}

var jsShowCmd = &cobra.Command{
	Use:   "show <path> <sub_idx> <js_idx>",
	Short: "Print the composed jobscript",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, js, err := jobscriptArg(cmd.Context(), args)
		if err != nil {
			return err
		}
		subDir := filepath.Join(wk.Path(), "submissions", args[1])
		ext := ".sh"
		if js.ShellName == "powershell" {
			ext = ".ps1"
		}
		data, err := os.ReadFile(filepath.Join(subDir, fmt.Sprintf("js_%d%s", js.Index, ext)))
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var internalCmd = &cobra.Command{
	Use:    "internal",
	Short:  "Callbacks invoked from inside running jobscripts",
	Hidden: true,
}

var internalWorkflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Workflow-scoped internal callbacks",
}

// workflowFromEnv opens the workflow a running jobscript addresses via
// its injected environment.
func workflowFromEnv(ctx context.Context) (*flowengine.Workflow, error) {
	path := os.Getenv("FLOWENGINE_WK_PATH")
	if path == "" {
		return nil, errors.NewConfigError(fmt.Errorf("FLOWENGINE_WK_PATH is not set"))
	}
	return openWorkflow(ctx, path)
}

var writeCommandsCmd = &cobra.Command{
	Use:   "write-commands <sub_idx> <js_idx> <js_elem_idx> <js_act_idx>",
	Short: "Render the commands file for one run",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := workflowFromEnv(cmd.Context())
		if err != nil {
			return err
		}
		vals, err := atoiAll(args)
		if err != nil {
			return err
		}
		blockIdx, _ := strconv.Atoi(os.Getenv("FLOWENGINE_BLOCK_IDX"))
		return wk.WriteCommands(vals[0], vals[1], blockIdx, vals[2], vals[3])
	},
}

var saveParameterCmd = &cobra.Command{
	Use:   "save-parameter <name> <value> <ear_id>",
	Short: "Record a produced output parameter",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := workflowFromEnv(cmd.Context())
		if err != nil {
			return err
		}
		earID, err := strconv.Atoi(args[2])
		if err != nil {
			return errors.NewConfigError(err)
		}
		return wk.SaveParameter(args[0], args[1], earID)
	},
}

var setEARStartCmd = &cobra.Command{
	Use:   "set-ear-start <ear_id>",
	Short: "Record a run's start time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := workflowFromEnv(cmd.Context())
		if err != nil {
			return err
		}
		earID, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.NewConfigError(err)
		}
		return wk.SetEARStart(earID)
	},
}

var setEAREndCmd = &cobra.Command{
	Use:   "set-ear-end <ear_id> <exit_code>",
	Short: "Record a run's end time and exit code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wk, err := workflowFromEnv(cmd.Context())
		if err != nil {
			return err
		}
		vals, err := atoiAll(args)
		if err != nil {
			return err
		}
		return wk.SetEAREnd(vals[0], vals[1])
	},
}

func workflowAndIndex(ctx context.Context, args []string) (*flowengine.Workflow, int, error) {
	wk, err := openWorkflow(ctx, args[0])
	if err != nil {
		return nil, 0, err
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, 0, errors.NewConfigError(err)
	}
	return wk, idx, nil
}

func atoiAll(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.NewConfigError(err)
		}
		out[i] = v
	}
	return out, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

const ansiRed = "\x1b[31m"
const ansiReset = "\x1b[0m"

func main() {
	if err := rootCmd.Execute(); err != nil {
		kind := string(errors.GetErrorCode(err))
		fmt.Fprintf(os.Stderr, "%s%s%s: %s\n", ansiRed, kind, ansiReset, err.Error())
		os.Exit(1)
	}
}
