package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/config"
	"github.com/adamancini/sideload/internal/output"
	"github.com/adamancini/sideload/internal/types"
)

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for sideload.

Completion covers subcommands, flag values (--output, --log-level,
--notification, jobs --status) and the ids of recorded download jobs for
'sideload jobs show'.

Bash:
  $ source <(sideload completion bash)
  $ sideload completion bash > /etc/bash_completion.d/sideload

Zsh:
  $ sideload completion zsh > "${fpath[1]}/_sideload"

Fish:
  $ sideload completion fish > ~/.config/fish/completions/sideload.fish

PowerShell:
  PS> sideload completion powershell | Out-String | Invoke-Expression
`,
		Annotations:           map[string]string{skipConfig: "true"},
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, out := cmd.Root(), cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

func completeOutputFormats(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return output.Formats(), cobra.ShellCompDirectiveNoFileComp
}

func completeLogLevels(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return logLevels, cobra.ShellCompDirectiveNoFileComp
}

func completeVisibilities(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var names []string
	for _, v := range types.AllVisibilities() {
		names = append(names, v.String())
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func completeStatuses(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var names []string
	for _, s := range types.AllDownloadStatuses() {
		names = append(names, s.String())
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// completeJobIDs offers the recorded job ids, described by status and file.
// It reads the job database without recovering interrupted jobs.
func completeJobIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if cfg == nil {
		path, err := config.Find(configPath)
		if err != nil && !errors.Is(err, config.ErrNotFound) {
			return nil, cobra.ShellCompDirectiveError
		}
		if cfg, err = config.Load(path, nil); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := openJobs(ctx, nil, true)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer func() { _ = svc.Close() }()

	list, err := svc.List(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var ids []string
	for _, job := range list {
		if strings.HasPrefix(job.ID.String(), toComplete) {
			ids = append(ids, job.ID.String()+"\t"+job.Status.String()+" "+job.Filename)
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

func visibilityNames() string {
	names, _ := completeVisibilities(nil, nil, "")
	return strings.Join(names, ", ")
}

func statusNames() string {
	names, _ := completeStatuses(nil, nil, "")
	return strings.Join(names, ", ")
}
