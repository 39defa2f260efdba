package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/animalwelfare/intake/internal/config"
	"github.com/animalwelfare/intake/internal/domain/dedup"
	"github.com/animalwelfare/intake/internal/platform/auth"
	"github.com/animalwelfare/intake/internal/platform/db"
	"github.com/animalwelfare/intake/migrations"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	headColor = color.New(color.Bold)
)

// connect loads the configuration and opens a pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to an agency schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			agencyID, _ := cmd.Flags().GetString("agency")
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations for agency %s (schema %s)\n", agencyID, db.SchemaName(agencyID))

			count, err := db.NewMigrator(pool, migrations.FS, newLogger(cfg.Env)).Up(ctx, agencyID, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			okColor.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("agency", "default", "Agency whose schema is migrated")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			agencyID, _ := cmd.Flags().GetString("agency")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, newLogger(cfg.Env)).Status(ctx, agencyID)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, agencyID, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("agency", "default", "Agency whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, agencyID string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for agency %s (schema %s)\n", agencyID, db.SchemaName(agencyID))
	headColor.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		if !s.Applied {
			warnColor.Fprintf(w, "%-10d %-40s %-10s\n", s.Version, s.Name, "pending")
			continue
		}
		appliedAt := ""
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		if s.Modified {
			warnColor.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, "modified", appliedAt)
			continue
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, "applied", appliedAt)
	}
}

func agencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agency",
		Short: "Manage agencies",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a new agency schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			admin, _ := cmd.Flags().GetString("admin")
			password, _ := cmd.Flags().GetString("password")
			if admin != "" && password == "" {
				return fmt.Errorf("--password is required with --admin")
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating agency schema: %s\n", db.SchemaName(name))
			if err := db.CreateAgencySchema(ctx, pool, name, migrations.FS, newLogger(cfg.Env)); err != nil {
				return err
			}

			if admin != "" {
				err := db.WithAgencyConn(ctx, pool, name, func(ctx context.Context) error {
					_, err := auth.NewUserDirectoryPG(pool).Create(ctx, admin, admin, password, []string{auth.RoleAdmin, auth.RoleReviewer})
					return err
				})
				if err != nil {
					return fmt.Errorf("create admin user: %w", err)
				}
				fmt.Printf("Created admin user %q\n", admin)
			}

			okColor.Println("Agency created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Agency identifier (alphanumeric)")
	createCmd.Flags().String("admin", "", "Username of an initial administrator")
	createCmd.Flags().String("password", "", "Password of the initial administrator")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioned agencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			agencies, err := db.ListAgencies(ctx, pool)
			if err != nil {
				return err
			}
			for _, a := range agencies {
				fmt.Println(a)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run duplicate detection",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan every active case of an agency for duplicates",
		RunE: func(cmd *cobra.Command, args []string) error {
			agencyID, _ := cmd.Flags().GetString("agency")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env)
			eng, err := buildEngine(cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			defer eng.close()

			return db.WithAgencyConn(ctx, pool, agencyID, func(ctx context.Context) error {
				summary, err := eng.dedup.RunDetection(ctx, "manual")
				if err != nil {
					return err
				}
				printSummary(os.Stdout, summary)
				return nil
			})
		},
	}
	runCmd.Flags().String("agency", "default", "Agency to scan")
	cmd.AddCommand(runCmd)

	return cmd
}

func printSummary(w io.Writer, s dedup.RunSummary) {
	fmt.Fprintf(w, "Scanned %d case(s), compared %d pair(s)\n", s.Scanned, s.Pairs)
	okColor.Fprintf(w, "Created %d candidate(s)", s.Created)
	fmt.Fprintf(w, ", %d already known\n", s.Existing)
	if s.Skipped > 0 {
		warnColor.Fprintf(w, "Skipped %d case(s), see the server log\n", s.Skipped)
	}
}

func duplicatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Inspect the duplicate review queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending duplicate candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			agencyID, _ := cmd.Flags().GetString("agency")
			matchType, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			eng, err := buildEngine(cfg, pool, nil, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer eng.close()

			return db.WithAgencyConn(ctx, pool, agencyID, func(ctx context.Context) error {
				items, total, err := eng.dedup.ListPending(ctx, dedup.PendingFilter{
					MatchType: dedup.MatchType(matchType),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				printCandidates(os.Stdout, items, total)
				return nil
			})
		},
	}
	listCmd.Flags().String("agency", "default", "Agency whose queue is listed")
	listCmd.Flags().String("type", "", "Only list candidates of this match type")
	listCmd.Flags().Int("limit", 50, "Maximum number of candidates")
	cmd.AddCommand(listCmd)

	return cmd
}

// confidenceColor highlights candidates by how likely they are to be real
// duplicates.
func confidenceColor(confidence float64) *color.Color {
	switch {
	case confidence >= 0.9:
		return color.New(color.FgRed)
	case confidence >= 0.7:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func printCandidates(w io.Writer, items []*dedup.Candidate, total int) {
	headColor.Fprintf(w, "%-36s  %-11s  %-6s  %-36s  %s\n", "CANDIDATE", "MATCH", "CONF", "PRIMARY", "DUPLICATE")
	for _, c := range items {
		fmt.Fprintf(w, "%-36s  %-11s  ", c.ID, c.MatchType)
		confidenceColor(c.Confidence).Fprintf(w, "%-6.3f", c.Confidence)
		fmt.Fprintf(w, "  %-36s  %s\n", c.PrimaryCaseID, c.DuplicateCaseID)
	}
	fmt.Fprintln(w, strings.Repeat("-", 20))
	fmt.Fprintf(w, "%d of %d pending\n", len(items), total)
}
