// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/middleware"
	"github.com/ezrah/flowengine/pkg/watch"
)

// powershellDirect executes jobscripts as local child processes on
// Windows through powershell. No scheduler pairing exists for
// powershell.
type powershellDirect struct {
	executable string
	invoker    middleware.Invoker
}

func newPowershellDirect(invoker middleware.Invoker) *powershellDirect {
	return &powershellDirect{executable: "powershell.exe", invoker: invoker}
}

func (p *powershellDirect) JSExt() string { return ".ps1" }

func (p *powershellDirect) ComposeJobscript(js *model.Jobscript, ctx ComposeContext, deps []Dep) (string, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "$WK_PATH = (Get-Location).Path\n")
	fmt.Fprintf(&sb, "$SUB_IDX = %d\n", ctx.SubIdx)
	fmt.Fprintf(&sb, "$JS_IDX = %d\n", js.Index)
	fmt.Fprintf(&sb, "$SUB_DIR = Join-Path $WK_PATH \"submissions\\$SUB_IDX\"\n")
	fmt.Fprintf(&sb, "$EAR_ID_FILE = Join-Path $SUB_DIR \"%s\"\n", EARIDFileName(js.Index))
	fmt.Fprintf(&sb, "$env:%s_WK_PATH = $WK_PATH\n", AppCaps)
	fmt.Fprintf(&sb, "$env:%s_SUB_IDX = $SUB_IDX\n", AppCaps)
	fmt.Fprintf(&sb, "$env:%s_JS_IDX = $JS_IDX\n", AppCaps)
	fmt.Fprintf(&sb, "$env:%s_JS_FUNCS_PATH = Join-Path $SUB_DIR \"%s\"\n", AppCaps, FunctionsFileName(js.Index, p.JSExt()))
	fmt.Fprintf(&sb, ". $env:%s_JS_FUNCS_PATH\n\n", AppCaps)

	blockStart := 0
	for blockIdx, block := range js.Blocks {
		fmt.Fprintf(&sb, "$env:%s_BLOCK_IDX = %d\n", AppCaps, blockIdx)
		fmt.Fprintf(&sb, "for ($JS_elem_idx = 1; $JS_elem_idx -le %d; $JS_elem_idx++) {\n", block.NumElements())
		fmt.Fprintf(&sb, "  $elem_EAR_IDs = (Get-Content $EAR_ID_FILE)[%d + $JS_elem_idx - 1]\n", blockStart)
		fmt.Fprintf(&sb, "  $env:%s_JS_ELEM_IDX = $JS_elem_idx - 1\n", AppCaps)
		fmt.Fprintf(&sb, "  for ($JS_act_idx = 1; $JS_act_idx -le %d; $JS_act_idx++) {\n", block.NumActions())
		fmt.Fprintf(&sb, "    $EAR_ID = ($elem_EAR_IDs -split \"%s\")[$JS_act_idx - 1]\n", EARFilesDelimiter)
		sb.WriteString("    if ($EAR_ID -eq \"-1\") { continue }\n")
		fmt.Fprintf(&sb, "    $env:%s_RUN_ID = $EAR_ID\n", AppCaps)
		fmt.Fprintf(&sb, "    $env:%s_BLOCK_ACT_IDX = $JS_act_idx - 1\n", AppCaps)
		sb.WriteString("    Set-Location $WK_PATH\n")
		fmt.Fprintf(&sb, "    %s internal workflow write-commands $SUB_IDX $JS_IDX ($JS_elem_idx - 1) ($JS_act_idx - 1)\n", AppName)
		fmt.Fprintf(&sb, "    %s internal workflow set-ear-start $EAR_ID\n", AppName)
		fmt.Fprintf(&sb, "    . (Join-Path $SUB_DIR \"scripts\\cmd_$EAR_ID%s\")\n", p.JSExt())
		fmt.Fprintf(&sb, "    %s internal workflow set-ear-end $EAR_ID $LASTEXITCODE\n", AppName)
		sb.WriteString("  }\n}\n")
		blockStart += block.NumElements()
	}

	return sb.String(), nil
}

func (p *powershellDirect) ComposeFunctionsFile(ctx ComposeContext) (string, error) {
	if len(ctx.AppInvocation) == 0 {
		return "", fmt.Errorf("adapters: app invocation is required")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s {\n", AppName)
	if ctx.EnvironmentSetup != "" {
		sb.WriteString(indent(strings.TrimSpace(ctx.EnvironmentSetup), "  ") + "\n")
	}
	fmt.Fprintf(&sb, "  & %s @args\n}\n", strings.Join(ctx.AppInvocation, " "))
	return sb.String(), nil
}

func (p *powershellDirect) GetSubmitCommand(jsPath string, deps []Dep) []string {
	return []string{p.executable, "-File", jsPath}
}

func (p *powershellDirect) ParseSubmissionOutput(stdout, stderr string) (string, error) {
	return "", nil
}

func (p *powershellDirect) GetJobStateInfo(ctx context.Context, refs []string) (map[string]watch.State, error) {
	out := make(map[string]watch.State, len(refs))
	for _, ref := range refs {
		pid, err := strconv.Atoi(ref)
		if err != nil {
			return nil, fmt.Errorf("adapters: direct ref %q is not a pid", ref)
		}
		if processAlive(pid) {
			out[ref] = watch.StateRunning
		}
	}
	return out, nil
}

func (p *powershellDirect) GetVersionInfo(ctx context.Context, excludeOS bool) (map[string]string, error) {
	stdout, _, err := p.invoker(ctx, []string{p.executable, "-Command", "$PSVersionTable.PSVersion.ToString()"}, "")
	if err != nil {
		return nil, fmt.Errorf("adapters: probe powershell version: %w", err)
	}
	return map[string]string{
		"shell_name":       "powershell",
		"shell_executable": p.executable,
		"shell_version":    strings.TrimSpace(stdout),
		"scheduler_name":   "direct",
	}, nil
}
