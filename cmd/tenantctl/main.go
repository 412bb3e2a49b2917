// tenantctl administers hostbeat tenants directly against the database,
// for bootstrapping before any admin credential exists.
//
// Usage:
//
//	tenantctl [--db-driver sqlite3] [--db-dsn DSN] create NAME
//	tenantctl list
//	tenantctl rotate-secret TENANT_ID
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bcnelson/hostbeat/internal/config"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/logging"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/bcnelson/hostbeat/internal/storage/sql"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	// Defaults come from the same environment the server reads.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("tenantctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&cfg.Database.Driver, "db-driver", cfg.Database.Driver, "database driver (sqlite3 or postgres)")
	flagSet.StringVar(&cfg.Database.DSN, "db-dsn", cfg.Database.DSN, "database DSN")
	output := flagSet.StringP("output", "o", "table", "output format (table or json)")
	verbose := flagSet.BoolP("verbose", "v", false, "log at debug level")
	flagSet.Usage = func() { printHelp(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *output != "table" && *output != "json" {
		return fmt.Errorf("--output must be table or json, got %q", *output)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return errors.New("missing command")
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(level, "console", stderr)

	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	tenants := service.NewTenantService(store, cfg.Jobs.RollupFineWidth, logger)
	p := printer{w: stdout, json: *output == "json"}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "create":
		if len(cmdArgs) != 1 {
			return errors.New("usage: tenantctl create NAME")
		}
		resp, err := tenants.CreateTenant(ctx, &domain.CreateTenantRequest{Name: cmdArgs[0]})
		if err != nil {
			return err
		}
		return p.secret(resp)

	case "list":
		if len(cmdArgs) != 0 {
			return errors.New("usage: tenantctl list")
		}
		list, err := tenants.ListTenants(ctx)
		if err != nil {
			return err
		}
		return p.tenants(list)

	case "rotate-secret":
		if len(cmdArgs) != 1 {
			return errors.New("usage: tenantctl rotate-secret TENANT_ID")
		}
		resp, err := tenants.RotateSecret(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		return p.secret(resp)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type printer struct {
	w    io.Writer
	json bool
}

func (p printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) secret(resp *domain.TenantSecretResponse) error {
	if p.json {
		return p.encode(resp)
	}
	fmt.Fprintf(p.w, "tenant:        %s (%s)\n", resp.ID, resp.Name)
	fmt.Fprintf(p.w, "enroll secret: %s\n", resp.EnrollSecret)
	fmt.Fprintln(p.w, "The enroll secret is not stored and cannot be shown again.")
	return nil
}

func (p printer) tenants(list []*domain.Tenant) error {
	if p.json {
		if list == nil {
			list = []*domain.Tenant{}
		}
		return p.encode(list)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `tenantctl administers hostbeat tenants.

Usage:
  tenantctl [flags] create NAME
  tenantctl [flags] list
  tenantctl [flags] rotate-secret TENANT_ID

Flags:
%s`, strings.TrimRight(flagSet.FlagUsages(), "\n")+"\n")
}
