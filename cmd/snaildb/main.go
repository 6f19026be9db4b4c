// snaildb is the command-line tool for working with a local database
// directory.
package main

import "github.com/Hk669/snailDB/internal/cli"

func main() {
	cli.Execute()
}
