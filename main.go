// The main package for the etsscraper executable.
package main

import (
	"github.com/JakeFAU/ets-registry-scraper/cmd"
)

func main() {
	cmd.Execute()
}
