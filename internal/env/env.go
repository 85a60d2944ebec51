// Package env captures details about the orchestrator environment. Inspect
// the environment using `orquestrator env`.
package env

import "os"

// Root is the root directory under which the orchestrator keeps its sources
// cache, workspaces, packaged artifacts, state and logs.
var Root = findRoot()

func findRoot() string {
	if env := os.Getenv("ORQROOT"); env != "" {
		return env
	}

	return os.ExpandEnv("$HOME/orq") // default
}
