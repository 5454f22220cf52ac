// Command queue is the agent task queue and dispatcher CLI.
package main

import "github.com/taskforge/queue/internal/cmd"

func main() {
	cmd.Execute()
}
