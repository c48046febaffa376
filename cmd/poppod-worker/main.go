// Command poppod-worker is the example task handler referenced by §1's
// non-goal list: the core ships no real task handlers (GitHub scanning,
// test running, etc.), only this one, used for manual smoke testing and
// as the default --worker-command of poppod serve, on the other end of
// the Lifecycle Manager's pipe (§4.7).
package main

import (
	"io"
	"os"
	"time"

	"github.com/poppobuilder/poppod/internal/domain"
	"github.com/poppobuilder/poppod/internal/framing"
)

type taskEnvelope struct {
	Command string      `json:"command"`
	Task    domain.Task `json:"task,omitempty"`
}

type resultEnvelope struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`
}

func main() {
	reader := framing.NewReader(os.Stdin)
	for {
		var env taskEnvelope
		if err := reader.ReadJSON(&env); err != nil {
			if err == io.EOF {
				return
			}
			return
		}

		switch env.Command {
		case "ping":
			_ = framing.WriteJSON(os.Stdout, resultEnvelope{Type: "pong"})
		case "execute":
			handle(env.Task)
		}
	}
}

// handle simulates doing the task's work and reports success. A real
// handler would dispatch on env.Task.Type to the concrete tool it
// wraps (test runner, linter, AI agent, etc.) and stream
// task-progress frames while it runs.
func handle(task domain.Task) {
	time.Sleep(10 * time.Millisecond)
	_ = framing.WriteJSON(os.Stdout, resultEnvelope{
		Type:   "result",
		TaskID: task.ID,
		OK:     true,
	})
}
