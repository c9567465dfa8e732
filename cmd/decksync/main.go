// Command decksync syncs a flashcard collection with a sync server, and runs
// that server.
package main

import "github.com/mesh-intelligence/decksync/internal/cli"

func main() {
	cli.Execute()
}
