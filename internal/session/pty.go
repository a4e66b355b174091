package session

import (
	"context"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// initScript is run by the child's /bin/bash -c before exec'ing the login
// shell: it shapes history, colors the prompt, drops a vim-friendly
// .vimrc/.inputrc, and sources bash-completion if present.
const initScript = `
export HISTSIZE=1000
export HISTFILESIZE=2000
export HISTCONTROL=ignoredups
export TERM=xterm-256color
export PS1='\[\e[32m\]\u@\h\[\e[0m\]:\[\e[34m\]\w\[\e[0m\]\$ '
cat > ~/.vimrc <<'VIMRC'
set nocompatible
set backspace=indent,eol,start
set t_Co=256
set timeoutlen=50
set ttimeoutlen=50
set ttyfast
set encoding=utf-8
VIMRC
cat > ~/.inputrc <<'INPUTRC'
"\e[A": history-search-backward
"\e[B": history-search-forward
INPUTRC
bind -f ~/.inputrc 2>/dev/null
if [ -f /etc/bash_completion ]; then
  source /etc/bash_completion
elif [ -f /usr/share/bash-completion/bash_completion ]; then
  source /usr/share/bash-completion/bash_completion
fi
exec bash --login || exec sh
`

// spawn starts `kubectl exec -it -c=<container> <pod> -- /bin/bash -c
// <initScript>` attached to a pseudo-terminal sized to (cols, rows).
func spawn(ctx context.Context, kubectlPath, pod, container string, cols, rows int) (*exec.Cmd, *os.File, error) {
	cmd := exec.CommandContext(ctx, kubectlPath,
		"exec", "-it", "-c="+container, pod,
		"--", "/bin/bash", "-c", initScript,
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}
