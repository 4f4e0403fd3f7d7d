// Package cli is the shared main loop of interactive tools.
package cli

import (
	"bytes"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec for each input line: a go-prompt REPL on a terminal,
// plain stdin lines otherwise (piped scripts).
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete, prompt.OptionPrefix(tag+"> ")).Run()
		return
	}

	stdinAll, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatal(err)
	}
	for _, lineb := range bytes.Split(stdinAll, []byte{'\n'}) {
		if line := string(bytes.TrimSpace(lineb)); line != "" {
			exec(line)
		}
	}
}
