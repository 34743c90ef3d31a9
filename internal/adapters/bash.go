// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/middleware"
)

// bashShell composes POSIX bash jobscripts. Scheduler adapters embed it
// and contribute their directive header and submit wire format.
type bashShell struct {
	executable string
	invoker    middleware.Invoker
}

func (b *bashShell) JSExt() string { return ".sh" }

const bashIndent = "  "

// composeFunctionsFile emits the app-alias function plus the helpers
// for line-indexed file reads and path joins.
func (b *bashShell) composeFunctionsFile(ctx ComposeContext) (string, error) {
	if len(ctx.AppInvocation) == 0 {
		return "", fmt.Errorf("adapters: app invocation is required")
	}

	envSetup := ""
	if ctx.EnvironmentSetup != "" {
		envSetup = indent(strings.TrimSpace(ctx.EnvironmentSetup), bashIndent) + "\n"
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n\n")
	fmt.Fprintf(&sb, "%s () {\n(\n%s%s \"$@\"\n)\n}\n\n",
		AppName, envSetup, strings.Join(ctx.AppInvocation, " "))

	sb.WriteString(fmt.Sprintf(`read_line () {
  sed "${2}q;d" "$1"
}

split_field () {
  cut -d'%s' -f "$2" <<< "$1"
}

join_path () {
  printf '%%s/%%s' "$1" "$2"
}
`, EARFilesDelimiter))

	return sb.String(), nil
}

// composeHeader emits the variables every jobscript body relies on.
func (b *bashShell) composeHeader(ctx ComposeContext, jsIdx int) string {
	var sb strings.Builder
	sb.WriteString("WK_PATH=`pwd`\n")
	fmt.Fprintf(&sb, "SUB_IDX=%d\n", ctx.SubIdx)
	fmt.Fprintf(&sb, "JS_IDX=%d\n", jsIdx)
	fmt.Fprintf(&sb, "SUB_DIR=\"$WK_PATH/submissions/${SUB_IDX}\"\n")
	fmt.Fprintf(&sb, "EAR_ID_FILE=\"$SUB_DIR/%s\"\n", EARIDFileName(jsIdx))
	fmt.Fprintf(&sb, "export %s_WK_PATH=\"$WK_PATH\"\n", AppCaps)
	fmt.Fprintf(&sb, "export %s_SUB_IDX=$SUB_IDX\n", AppCaps)
	fmt.Fprintf(&sb, "export %s_JS_IDX=$JS_IDX\n", AppCaps)
	fmt.Fprintf(&sb, "export %s_JS_FUNCS_PATH=\"$SUB_DIR/%s\"\n", AppCaps, FunctionsFileName(jsIdx, b.JSExt()))
	fmt.Fprintf(&sb, ". \"$%s_JS_FUNCS_PATH\"\n", AppCaps)
	return sb.String()
}

// composeMain emits the inner action loop for one element: look up the
// element's EAR ids, skip sentinel cells, and bracket each commands
// file with the set-ear-start / set-ear-end callbacks.
func (b *bashShell) composeMain(blockStartExpr, numActionsExpr string) string {
	main := fmt.Sprintf(`elem_EAR_IDs=`+"`"+`read_line "$EAR_ID_FILE" $(( %s + JS_elem_idx ))`+"`"+`
export %s_JS_ELEM_IDX=$(( JS_elem_idx - 1 ))

for JS_act_idx in $(seq 1 %s)
do

  EAR_ID="$(split_field "$elem_EAR_IDs" $JS_act_idx)"
  if [ "$EAR_ID" = "-1" ]; then
    continue
  fi

  export %s_RUN_ID=$EAR_ID
  export %s_BLOCK_ACT_IDX=$(( JS_act_idx - 1 ))

  cd "$WK_PATH"
  %s internal workflow write-commands $SUB_IDX $JS_IDX $(( JS_elem_idx - 1 )) $(( JS_act_idx - 1 ))
  %s internal workflow set-ear-start $EAR_ID
  . "$SUB_DIR/scripts/cmd_${EAR_ID}%s"
  %s internal workflow set-ear-end $EAR_ID $?

done`,
		blockStartExpr, AppCaps, numActionsExpr,
		AppCaps, AppCaps,
		AppName, AppName, b.JSExt(), AppName)
	return main
}

// composeBody emits everything below the header: block loop (when more
// than one block), element loop or array expansion, and the action
// loop.
func (b *bashShell) composeBody(js *model.Jobscript, arrayItemVar string) string {
	var sb strings.Builder

	if len(js.Blocks) == 1 {
		block := js.Blocks[0]
		main := b.composeMain("0", fmt.Sprint(block.NumActions()))
		fmt.Fprintf(&sb, "export %s_BLOCK_IDX=0\n\n", AppCaps)

		switch {
		case js.IsArray:
			fmt.Fprintf(&sb, "JS_elem_idx=$%s\n", arrayItemVar)
			sb.WriteString(main)
			sb.WriteString("\n")
		case block.NumElements() == 1:
			sb.WriteString("JS_elem_idx=1\n")
			sb.WriteString(main)
			sb.WriteString("\n")
		default:
			fmt.Fprintf(&sb, "for JS_elem_idx in $(seq 1 %d)\ndo\n%s\ndone\n",
				block.NumElements(), indent(main, bashIndent))
		}
		return sb.String()
	}

	// multiple blocks run serially within the script:
	numElems := make([]string, len(js.Blocks))
	numActs := make([]string, len(js.Blocks))
	for i, block := range js.Blocks {
		numElems[i] = fmt.Sprint(block.NumElements())
		numActs[i] = fmt.Sprint(block.NumActions())
	}
	fmt.Fprintf(&sb, "num_elements=(%s)\n", strings.Join(numElems, " "))
	fmt.Fprintf(&sb, "num_actions=(%s)\n", strings.Join(numActs, " "))
	sb.WriteString("block_start_elem_idx=0\n")
	fmt.Fprintf(&sb, "for block_idx in $(seq 0 %d)\ndo\n", len(js.Blocks)-1)
	fmt.Fprintf(&sb, "%sexport %s_BLOCK_IDX=$block_idx\n", bashIndent, AppCaps)

	main := b.composeMain("block_start_elem_idx", "${num_actions[$block_idx]}")
	elementLoop := fmt.Sprintf("for JS_elem_idx in $(seq 1 ${num_elements[$block_idx]})\ndo\n%s\ndone",
		indent(main, bashIndent))
	sb.WriteString(indent(elementLoop, bashIndent))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%sblock_start_elem_idx=$(( block_start_elem_idx + ${num_elements[$block_idx]} ))\n", bashIndent)
	sb.WriteString("done\n")
	return sb.String()
}

// getVersionInfo probes bash; scheduler adapters extend the result.
func (b *bashShell) getVersionInfo(ctx context.Context) (map[string]string, error) {
	stdout, _, err := b.invoker(ctx, []string{b.executable, "--version"}, "")
	if err != nil {
		return nil, fmt.Errorf("adapters: probe bash version: %w", err)
	}
	lines := strings.SplitN(strings.TrimSpace(stdout), "\n", 2)
	fields := strings.Fields(lines[0])
	version := ""
	if len(fields) >= 4 {
		version = fields[3]
	}
	return map[string]string{
		"shell_name":       "bash",
		"shell_executable": b.executable,
		"shell_version":    version,
	}, nil
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
