// Command replog-initialize marks a replica's storage as voting. Run it
// once against every member's storage path, with all daemons stopped,
// before the group's first start.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"replog/internal/logging"
	"replog/internal/tool"
)

func main() {
	path := flag.String("path", "", "storage path of the replica to initialize")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "replog-initialize: -path is required")
		flag.Usage()
		os.Exit(2)
	}

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	logger := logging.NewZerologAdapter(zl)

	if err := tool.Initialize(*path, logger); err != nil {
		fmt.Fprintf(os.Stderr, "replog-initialize: %v\n", err)
		os.Exit(1)
	}
}
