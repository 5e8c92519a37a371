// shellgpt - local command-execution agent over HTTP
//
// A remote controller posts shell commands; the agent executes them on this
// machine and reports results back. Three modes are supported:
//
//	POST /run                         Run command, wait, return output
//	POST /start                       Start command in background
//	GET  /output/{id}                 Poll buffered output since last poll
//	POST /kill/{id}                   Terminate background command
//	POST /interactive/start           Start a PTY session
//	GET  /interactive/output/{sid}    Poll merged PTY output
//	POST /interactive/input/{sid}     Send keystrokes to the PTY
//	POST /interactive/kill/{sid}      Terminate the PTY session
//	GET  /interactive/attach/{sid}    WebSocket bridge to the live PTY
//	GET  /jobs                        List tracked sessions
//
// Every command is confirmed on the agent's terminal before execution
// unless --yes is given.
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	flag "github.com/spf13/pflag"

	"github.com/omeriko9/shellgpt/internal/approve"
	"github.com/omeriko9/shellgpt/internal/engine"
	"github.com/omeriko9/shellgpt/internal/server"
)

var (
	listenFlag    string
	yesFlag       bool
	shellFlag     string
	schemaFlag    string
	bufLimitFlag  int
	killGraceFlag time.Duration
)

func main() {
	defaultListen := os.Getenv("SHELLGPT_LISTEN")
	if defaultListen == "" {
		defaultListen = "127.0.0.1:8000"
	}

	flag.StringVar(&listenFlag, "listen", defaultListen, "Listen address (overrides SHELLGPT_LISTEN)")
	flag.BoolVarP(&yesFlag, "yes", "y", false, "Execute commands without asking for confirmation")
	flag.StringVar(&shellFlag, "shell", engine.DefaultShell, "Shell for interactive sessions")
	flag.StringVar(&schemaFlag, "schema", "openapi.json", "OpenAPI document served at /openapi.json")
	flag.IntVar(&bufLimitFlag, "buffer-limit", 0, "Per-stream unread output cap in bytes (0 = default 4MiB)")
	flag.DurationVar(&killGraceFlag, "kill-grace", engine.DefaultKillGrace, "Grace period before SIGTERM escalates to SIGKILL")
	flag.Parse()

	eng := engine.New(engine.Config{
		Shell:       shellFlag,
		KillGrace:   killGraceFlag,
		BufferLimit: bufLimitFlag,
	})

	srv := server.New(server.Config{
		Engine:     eng,
		Approver:   approve.Default(yesFlag),
		SchemaPath: schemaFlag,
	})

	ln, err := getListener(listenFlag)
	if err != nil {
		log.Fatalf("getting listener: %v", err)
	}

	log.Printf("shellgpt listening on %s", ln.Addr())
	if yesFlag {
		log.Printf("confirmation bypassed: every received command will execute")
	}

	if err := http.Serve(ln, srv.Handler()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// getListener prefers a systemd-activated socket and falls back to binding
// addr directly.
func getListener(addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if len(listeners) > 0 {
		return listeners[0], nil
	}
	return net.Listen("tcp", addr)
}
