// Command colstore is a small interactive shell over a collection
// store, useful for inspecting and debugging the on-disk collections a
// running WAF process maintains.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wesleyyan-sb/colstore"
)

func main() {
	dataDir := flag.String("data-dir", "", "Path to the collection data directory")
	verbose := flag.Bool("verbose", false, "Log at debug level")
	flag.Parse()

	if *dataDir == "" {
		fmt.Println("Data directory is required (-data-dir).")
		os.Exit(1)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Printf("Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	store := colstore.Open(colstore.Config{DataDir: *dataDir, Log: log})

	fmt.Println("colstore shell")
	fmt.Println("Commands: get <name> <key>, put <name> <key> <var>=<value> [...], sweep <name>, exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}

		switch strings.ToLower(parts[0]) {
		case "get":
			if len(parts) != 3 {
				fmt.Println("Usage: get <name> <key>")
				continue
			}
			col := store.Retrieve(parts[1], parts[2], time.Now())
			if col == nil {
				fmt.Println("(no such collection)")
				continue
			}
			for _, v := range col.Variables() {
				fmt.Printf("%s=%s\n", v.Name, v.Value)
			}

		case "put":
			if len(parts) < 4 {
				fmt.Println("Usage: put <name> <key> <var>=<value> [...]")
				continue
			}
			col := colstore.New(parts[1], parts[2])
			col.SetString(colstore.MetaKey, parts[2])
			for _, pair := range parts[3:] {
				name, value, ok := strings.Cut(pair, "=")
				if !ok {
					fmt.Printf("Skipping malformed assignment %q\n", pair)
					continue
				}
				col.SetString(name, value)
			}
			if err := store.Store(col); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("OK")
			}

		case "sweep":
			if len(parts) != 2 {
				fmt.Println("Usage: sweep <name>")
				continue
			}
			if err := store.Sweep(parts[1]); err != nil {
				fmt.Printf("Error: %v\n", err)
			} else {
				fmt.Println("OK")
			}

		case "exit", "quit":
			return

		default:
			fmt.Println("Unknown command")
		}
	}
}
