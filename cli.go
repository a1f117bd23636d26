package main

import (
	"fmt"
	"os"

	"parloir/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("parloir %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	users, _ := st.Users()
	rooms, _ := st.PublicRooms()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Accounts: %d\n", len(users))
	fmt.Printf("Rooms: %d\n", len(rooms))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "parloir-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
