// Command replog-demo runs a three-replica group in a single process over
// the in-memory transport, then appends, truncates and reads back entries
// to show the full life of a log.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"replog/internal/log"
	"replog/internal/logging"
	"replog/internal/network"
)

const (
	groupSize = 3
	quorum    = 2
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "replog-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir, err := os.MkdirTemp("", "replog-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
	logger := logging.NewZerologAdapter(zl)

	transport := network.NewLocalTransport()

	addrs := make([]string, groupSize)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("replica-%d", i)
	}

	logs := make([]*log.Log, groupSize)
	for i, addr := range addrs {
		peers := make([]string, 0, groupSize-1)
		for _, other := range addrs {
			if other != addr {
				peers = append(peers, other)
			}
		}

		l, err := log.Open(&log.Config{
			Quorum:         quorum,
			Path:           filepath.Join(dir, addr),
			Addr:           addr,
			Peers:          peers,
			Transport:      transport,
			AutoInitialize: true,
			PhaseTimeout:   time.Second,
			RetryInterval:  100 * time.Millisecond,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("opening %s: %w", addr, err)
		}
		defer l.Close()
		logs[i] = l
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("recovering the group...")
	var wg sync.WaitGroup
	recoverErrs := make([]error, groupSize)
	for i, l := range logs {
		wg.Add(1)
		go func(i int, l *log.Log) {
			defer wg.Done()
			recoverErrs[i] = l.Recover(ctx)
		}(i, l)
	}
	wg.Wait()
	for i, err := range recoverErrs {
		if err != nil {
			return fmt.Errorf("recovering %s: %w", addrs[i], err)
		}
	}
	fmt.Println("all replicas are voting")

	writer, err := logs[0].Writer()
	if err != nil {
		return err
	}

	position, err := writer.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting writer: %w", err)
	}
	fmt.Printf("writer elected, log position %s\n", position)

	for _, data := range []string{"first entry", "second entry", "third entry"} {
		position, err := writer.Append(ctx, []byte(data))
		if err != nil {
			return fmt.Errorf("appending %q: %w", data, err)
		}
		fmt.Printf("appended %q at position %s\n", data, position)
	}

	reader := logs[0].Reader()
	entries, err := reader.Read(reader.Beginning(), reader.Ending())
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}
	fmt.Printf("log holds %d entries:\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("  %s: %q\n", entry.Position, entry.Data)
	}

	// Drop everything before the second entry.
	truncateTo := entries[1].Position
	position, err = writer.Truncate(ctx, truncateTo)
	if err != nil {
		return fmt.Errorf("truncating to %s: %w", truncateTo, err)
	}
	fmt.Printf("truncated log before position %s (truncate recorded at %s)\n", truncateTo, position)

	entries, err = reader.Read(truncateTo, reader.Ending())
	if err != nil {
		return fmt.Errorf("reading after truncate: %w", err)
	}
	fmt.Printf("log now holds %d entries:\n", len(entries))
	for _, entry := range entries {
		fmt.Printf("  %s: %q\n", entry.Position, entry.Data)
	}

	return nil
}
