// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/kge/internal/errors"
)

// bashCompletionTemplate is the bash completion script for kge.
//
// It provides command and flag completion for bash shells using the
// bash completion framework.
const bashCompletionTemplate = `#!/bin/bash

# Bash completion script for kge (Knowledge Graph Engine)
# Installation:
#   source <(kge completion bash)
#   Or add to ~/.bashrc:
#   echo 'source <(kge completion bash)' >> ~/.bashrc

_kge_completion() {
    local cur prev commands
    commands="init ingest search status jobs serve reset completion"

    # Current word being completed
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    # Global flags
    if [[ ${cur} == -* ]] ; then
        COMPREPLY=( $(compgen -W "--version --config --json --quiet --no-color --verbose" -- ${cur}) )
        return 0
    fi

    # First argument: complete commands
    if [ $COMP_CWORD -eq 1 ]; then
        COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
        return 0
    fi

    # Command-specific flag completion
    local cmd="${COMP_WORDS[1]}"
    case "${cmd}" in
        ingest)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--ontology --by --enqueue --image" -- ${cur}) )
            fi
            ;;
        search)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--ontology --top --threshold" -- ${cur}) )
            fi
            ;;
        jobs)
            if [ $COMP_CWORD -eq 2 ]; then
                COMPREPLY=( $(compgen -W "list approve show" -- ${cur}) )
            elif [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--status --limit --by" -- ${cur}) )
            fi
            ;;
        serve)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--listen --once" -- ${cur}) )
            fi
            ;;
        reset)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--ontology --yes" -- ${cur}) )
            fi
            ;;
        completion)
            # Complete shell names for completion command
            if [ $COMP_CWORD -eq 2 ]; then
                COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            fi
            ;;
    esac
}

complete -F _kge_completion kge
`

// zshCompletionTemplate is the zsh completion script for kge.
//
// It provides command and flag completion for zsh shells using the
// zsh completion system.
const zshCompletionTemplate = `#compdef kge

# Zsh completion script for kge (Knowledge Graph Engine)
# Installation:
#   1. Ensure compinit is loaded (add to ~/.zshrc if not present):
#      autoload -U compinit; compinit
#   2. Save this script to a directory in your fpath:
#      kge completion zsh > "${fpath[1]}/_kge"
#   3. Reload completions:
#      rm -f ~/.zcompdump; compinit

_kge() {
    local -a commands
    commands=(
        'init:Create ~/.kge/config.yaml configuration'
        'ingest:Ingest a document into an ontology'
        'search:Semantic search over concepts'
        'status:Show graph and queue status'
        'jobs:Operate the job queue'
        'serve:Run the worker and scheduler'
        'reset:Delete an ontology (destructive!)'
        'completion:Generate shell completion script'
    )

    _arguments -C \
        '(- *)--version[Show version and exit]' \
        '--config[Path to config.yaml]:config file:_files -g "*.yaml"' \
        '--json[Output as JSON]' \
        '--quiet[Suppress progress output]' \
        '--no-color[Disable colored output]' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                ingest)
                    _arguments \
                        '--ontology[Target ontology]:ontology:' \
                        '--by[Who is ingesting]:name:' \
                        '--enqueue[Queue the job instead of running it]' \
                        '--image[Treat the file as an image]' \
                        '1:file:_files'
                    ;;
                search)
                    _arguments \
                        '--ontology[Ontology to search]:ontology:' \
                        '--top[Maximum results]:count:' \
                        '--threshold[Minimum similarity]:threshold:' \
                        '1:query:'
                    ;;
                jobs)
                    _arguments \
                        '1:action:(list approve show)' \
                        '--status[Filter by status]:status:(queued approved processing completed failed)' \
                        '--limit[Maximum rows]:count:' \
                        '--by[Approver name]:name:'
                    ;;
                serve)
                    _arguments \
                        '--listen[Metrics listen address]:address:' \
                        '--once[Single tick, drain, exit]'
                    ;;
                reset)
                    _arguments \
                        '--ontology[Ontology to delete]:ontology:' \
                        '--yes[Skip confirmation prompt]'
                    ;;
                completion)
                    _arguments \
                        '1:shell:(bash zsh fish)'
                    ;;
            esac
            ;;
    esac
}

_kge
`

// fishCompletionTemplate is the fish completion script for kge.
//
// It provides command and flag completion for fish shells using the
// fish completion system.
const fishCompletionTemplate = `# Fish completion script for kge (Knowledge Graph Engine)
# Installation:
#   1. Load completions for current session:
#      kge completion fish | source
#   2. Install permanently:
#      kge completion fish > ~/.config/fish/completions/kge.fish

# Commands
complete -c kge -f -n "__fish_use_subcommand" -a "init" -d "Create ~/.kge/config.yaml configuration"
complete -c kge -f -n "__fish_use_subcommand" -a "ingest" -d "Ingest a document into an ontology"
complete -c kge -f -n "__fish_use_subcommand" -a "search" -d "Semantic search over concepts"
complete -c kge -f -n "__fish_use_subcommand" -a "status" -d "Show graph and queue status"
complete -c kge -f -n "__fish_use_subcommand" -a "jobs" -d "Operate the job queue"
complete -c kge -f -n "__fish_use_subcommand" -a "serve" -d "Run the worker and scheduler"
complete -c kge -f -n "__fish_use_subcommand" -a "reset" -d "Delete an ontology (destructive!)"
complete -c kge -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion script"

# Global flags
complete -c kge -l version -d "Show version and exit"
complete -c kge -l config -d "Path to config.yaml" -r
complete -c kge -l json -d "Output as JSON"
complete -c kge -l quiet -d "Suppress progress output"
complete -c kge -l no-color -d "Disable colored output"

# ingest command flags
complete -c kge -n "__fish_seen_subcommand_from ingest" -l ontology -d "Target ontology" -r
complete -c kge -n "__fish_seen_subcommand_from ingest" -l by -d "Who is ingesting" -r
complete -c kge -n "__fish_seen_subcommand_from ingest" -l enqueue -d "Queue the job instead of running it"
complete -c kge -n "__fish_seen_subcommand_from ingest" -l image -d "Treat the file as an image"

# search command flags
complete -c kge -n "__fish_seen_subcommand_from search" -l ontology -d "Ontology to search" -r
complete -c kge -n "__fish_seen_subcommand_from search" -l top -d "Maximum results" -r
complete -c kge -n "__fish_seen_subcommand_from search" -l threshold -d "Minimum similarity" -r

# jobs command arguments
complete -c kge -n "__fish_seen_subcommand_from jobs" -f -a "list" -d "List jobs"
complete -c kge -n "__fish_seen_subcommand_from jobs" -f -a "approve" -d "Approve a queued job"
complete -c kge -n "__fish_seen_subcommand_from jobs" -f -a "show" -d "Show one job"
complete -c kge -n "__fish_seen_subcommand_from jobs" -l status -d "Filter by status" -r
complete -c kge -n "__fish_seen_subcommand_from jobs" -l limit -d "Maximum rows" -r
complete -c kge -n "__fish_seen_subcommand_from jobs" -l by -d "Approver name" -r

# serve command flags
complete -c kge -n "__fish_seen_subcommand_from serve" -l listen -d "Metrics listen address" -r
complete -c kge -n "__fish_seen_subcommand_from serve" -l once -d "Single tick, drain, exit"

# reset command flags
complete -c kge -n "__fish_seen_subcommand_from reset" -l ontology -d "Ontology to delete" -r
complete -c kge -n "__fish_seen_subcommand_from reset" -l yes -d "Skip confirmation prompt"

# completion command arguments
complete -c kge -n "__fish_seen_subcommand_from completion" -f -a "bash" -d "Generate bash completion script"
complete -c kge -n "__fish_seen_subcommand_from completion" -f -a "zsh" -d "Generate zsh completion script"
complete -c kge -n "__fish_seen_subcommand_from completion" -f -a "fish" -d "Generate fish completion script"
`

// runCompletion executes the 'completion' CLI command, generating
// shell-specific completion scripts for bash, zsh, or fish shells.
//
// The completion command outputs a shell-specific script to stdout that
// can be sourced to enable tab completion for kge commands and flags.
func runCompletion(args []string) {
	fs := flag.NewFlagSet("completion", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kge completion <shell>

Description:
  Generate shell completion scripts for bash, zsh, or fish.

  Shell completions allow you to use Tab to autocomplete commands,
  flags, and arguments.

Arguments:
  shell    Shell type: bash, zsh, or fish (required)

Examples:
  # Load bash completions in current shell
  source <(kge completion bash)

  # Install bash completions permanently (Linux)
  kge completion bash > /etc/bash_completion.d/kge

  # Install zsh completions
  kge completion zsh > "${fpath[1]}/_kge"

  # Install fish completions
  kge completion fish > ~/.config/fish/completions/kge.fish

Notes:
  After installing completions, restart your shell or source your rc file.

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Invalid arguments",
			"The completion command requires exactly one argument: the shell name",
			"Run 'kge completion bash', 'kge completion zsh', or 'kge completion fish'",
		), false)
	}

	shell := fs.Arg(0)

	switch shell {
	case "bash":
		fmt.Print(bashCompletionTemplate)
	case "zsh":
		fmt.Print(zshCompletionTemplate)
	case "fish":
		fmt.Print(fishCompletionTemplate)
	default:
		errors.FatalError(errors.NewInputError(
			"Unsupported shell",
			fmt.Sprintf("Shell '%s' is not supported. Valid options: bash, zsh, fish", shell),
			"Run 'kge completion bash', 'kge completion zsh', or 'kge completion fish'",
		), false)
	}
}
