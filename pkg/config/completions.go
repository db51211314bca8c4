package config

import "fmt"

// shells lists the completion targets spec §6 names.
var shells = map[string]string{
	"bash": `# bash completion for relaymirror
_relaymirror() {
    local cur prev opts
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    opts="--host --port --gateway-url --verbosity --completions --version --help"
    COMPREPLY=( $(compgen -W "${opts}" -- ${cur}) )
}
complete -F _relaymirror relaymirror
`,
	"elvish": `# elvish completion for relaymirror
set edit:completion:arg-completer[relaymirror] = {|@args|
    put --host --port --gateway-url --verbosity --completions --version --help
}
`,
	"fish": `# fish completion for relaymirror
complete -c relaymirror -l host -d 'address to bind to'
complete -c relaymirror -l port -d 'port to bind to'
complete -c relaymirror -l gateway-url -d 'chat service gateway URL'
complete -c relaymirror -l verbosity -d 'log verbosity'
complete -c relaymirror -l completions -d 'print shell completion script'
complete -c relaymirror -l version -d 'print version'
complete -c relaymirror -l help -d 'print help'
`,
	"powershell": `# powershell completion for relaymirror
Register-ArgumentCompleter -Native -CommandName relaymirror -ScriptBlock {
    param($wordToComplete, $commandAst, $cursorPosition)
    @('--host', '--port', '--gateway-url', '--verbosity', '--completions', '--version', '--help') |
        Where-Object { $_ -like "$wordToComplete*" } |
        ForEach-Object { [System.Management.Automation.CompletionResult]::new($_, $_, 'ParameterName', $_) }
}
`,
	"zsh": `#compdef relaymirror
_relaymirror() {
    _arguments \
        '--host[address to bind to]' \
        '--port[port to bind to]' \
        '--gateway-url[chat service gateway URL]' \
        '--verbosity[log verbosity]' \
        '--completions[print shell completion script]' \
        '--version[print version]' \
        '--help[print help]'
}
_relaymirror
`,
}

// Completion returns the completion script for shell, or an error if shell
// is not one of bash/elvish/fish/powershell/zsh.
func Completion(shell string) (string, error) {
	script, ok := shells[shell]
	if !ok {
		return "", fmt.Errorf("unsupported shell for --completions: %s", shell)
	}
	return script, nil
}
