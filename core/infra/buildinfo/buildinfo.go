package buildinfo

import (
	"fmt"
	"log"
	"runtime"
)

// Set at link time via -ldflags "-X ...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log writes the build summary with the binary name.
func Log(binary string) {
	log.Printf("%s %s", binary, Info())
}
