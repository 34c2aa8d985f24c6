// ABOUTME: Operator CLI for warelay: mint tokens, manage roles and ACLs, inspect sessions
// ABOUTME: Talks to the document store directly; colored terminal output

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/warelay/internal/auth"
	"github.com/2389/warelay/internal/store"
)

func usage() {
	fmt.Println("Usage: warelay-admin <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token    --secret S --uid U [--ttl 24h]        Mint a bearer token")
	fmt.Println("  role     --db PATH --account A --uid U --role R  Assign a member role")
	fmt.Println("  grant    --db PATH --account A --uid U --sessions a,b  Set ACL labels")
	fmt.Println("  revoke   --db PATH --account A --uid U         Clear ACL labels")
	fmt.Println("  sessions --db PATH --account A                 List persisted sessions")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "role":
		err = runRole(os.Args[2:])
	case "grant":
		err = runGrant(os.Args[2:])
	case "revoke":
		err = runRevoke(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("WARELAY_JWT_SECRET"), "JWT signing secret")
	uid := fs.String("uid", "", "subject uid")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	if *secret == "" || *uid == "" {
		return fmt.Errorf("--secret and --uid are required")
	}

	token, err := auth.NewJWTVerifier([]byte(*secret)).Generate(*uid, *ttl)
	if err != nil {
		return err
	}

	color.Green("token for %s (expires in %s):", *uid, *ttl)
	fmt.Println(token)
	return nil
}

func openStore(fs *flag.FlagSet, args []string) (*store.SQLiteStore, error) {
	db := fs.String("db", "warelay.db", "document store path")
	_ = fs.Parse(args)
	return store.NewSQLiteStore(*db)
}

func runRole(args []string) error {
	fs := flag.NewFlagSet("role", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	uid := fs.String("uid", "", "member uid")
	role := fs.String("role", store.RoleAdministrator, "role name")
	s, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer s.Close()

	if *account == "" || *uid == "" {
		return fmt.Errorf("--account and --uid are required")
	}

	if err := s.SetMemberRole(context.Background(), *account, *uid, *role); err != nil {
		return err
	}
	color.Green("role %s assigned to %s in %s", *role, *uid, *account)
	return nil
}

func runGrant(args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	uid := fs.String("uid", "", "member uid")
	sessions := fs.String("sessions", "", "comma-separated session labels")
	s, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer s.Close()

	if *account == "" || *uid == "" {
		return fmt.Errorf("--account and --uid are required")
	}

	var labels []string
	if *sessions != "" {
		labels = strings.Split(*sessions, ",")
	}

	if err := s.SetACL(context.Background(), *account, *uid, labels); err != nil {
		return err
	}
	color.Green("acl for %s in %s: %v", *uid, *account, labels)
	return nil
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	uid := fs.String("uid", "", "member uid")
	s, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer s.Close()

	if *account == "" || *uid == "" {
		return fmt.Errorf("--account and --uid are required")
	}

	if err := s.SetACL(context.Background(), *account, *uid, nil); err != nil {
		return err
	}
	color.Yellow("acl cleared for %s in %s", *uid, *account)
	return nil
}

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	s, err := openStore(fs, args)
	if err != nil {
		return err
	}
	defer s.Close()

	if *account == "" {
		return fmt.Errorf("--account is required")
	}

	docs, err := s.ListAccountSessions(context.Background(), *account)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		color.Yellow("no sessions in %s", *account)
		return nil
	}

	bold := color.New(color.Bold)
	for _, doc := range docs {
		bold.Printf("%-20s", doc.Label)
		statusColor := color.New(color.FgYellow)
		if doc.Status == store.SessionStatusReady {
			statusColor = color.New(color.FgGreen)
		}
		statusColor.Printf(" %-14s", doc.Status)
		fmt.Printf(" %s\n", doc.WaID)
	}
	return nil
}
