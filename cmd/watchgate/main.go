// watchgate — deterministic fail-closed orchestration gate with an
// append-only, hash-chained audit ledger.
package main

import "github.com/pvoronin/watchgate/internal/cli"

func main() {
	cli.Execute()
}
