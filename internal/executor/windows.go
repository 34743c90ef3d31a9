// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"strings"
)

// WindowsLauncherArgs builds the powershell launcher command used on nt
// to obtain a fully detached jobscript process: the launcher runs
// Start-Process and writes the child pid to pidFilePath, then exits.
// The launcher itself is always powershell.exe; the jobscript's own
// shell need not be.
func WindowsLauncherArgs(submitCmdline []string, workflowDir, stdoutPath, stderrPath, pidFilePath string) []string {
	exePath, argList := submitCmdline[0], submitCmdline[1:]

	// powershell-escaped quotes, in case of spaces in arguments:
	quoted := make([]string, len(argList))
	for i, arg := range argList {
		quoted[i] = fmt.Sprintf("\"`\"%s`\"\"", arg)
	}

	command := fmt.Sprintf(
		"$JS_proc = Start-Process "+
			"-Passthru -NoNewWindow -FilePath \"%s\" "+
			"-RedirectStandardOutput \"%s\" "+
			"-RedirectStandardError \"%s\" "+
			"-WorkingDirectory \"%s\" "+
			"-ArgumentList %s; "+
			"Set-Content -Path \"%s\" -Value $JS_proc.Id",
		exePath, stdoutPath, stderrPath, workflowDir,
		strings.Join(quoted, ","), pidFilePath,
	)

	return []string{"powershell.exe", "-Command", command}
}
