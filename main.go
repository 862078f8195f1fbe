// The main package for the arrest-crawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/arrest-records-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
