// Command taskmeshctl is the CLI front-end over the Orchestrator facade.
package main

import "github.com/kandev/taskmesh/cmd/taskmeshctl/cmd"

func main() {
	cmd.Execute()
}
