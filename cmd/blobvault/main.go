// blobvault is a versioned resource metadata repository over a blob store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blobvault/blobvault/internal/archive"
	"github.com/blobvault/blobvault/internal/config"
	"github.com/blobvault/blobvault/internal/lock"
	"github.com/blobvault/blobvault/internal/repo"
	"github.com/blobvault/blobvault/internal/store/fsstore"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Resource identity flags
	resourceGroup string
	resourceID    string
	resourceFile  string
	version       string
	createOnly    bool

	// Delete/download flags
	permanent bool
	destPath  string
	destDir   string
	overwrite bool

	// Maintenance flags
	expiryFlag   string
	batchSize    int
	matchPattern string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blobvault",
		Short: "Blobvault - versioned resource metadata repository",
		Long: `Blobvault keeps a structured, versioned record of artifacts pushed into
durable blob storage: per-resource metadata documents, an optional sharded
metadata index, a cooperative lock serializing writers, and the
reconciliation sweeps that keep metadata and blobs consistent.

QUICK START:

  # Push a file as a resource
  blobvault push /var/log/nginx/access.log --id access.log

  # Inspect its record
  blobvault get access.log

  # Archive a whole directory on a schedule
  blobvault archive-files --config /etc/blobvault.yaml

MAINTENANCE:

  blobvault clean-orphans
  blobvault purge-deleted --expiry 672h
  blobvault clean --match "*.tmp" --batch-size 40000

For more help on any command, use: blobvault <command> --help`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Push command
	pushCmd := &cobra.Command{
		Use:   "push <local-file>",
		Short: "Push a local file into the collection",
		Long: `Push a local file into the collection as one resource version.

Examples:
  # Resource id defaults to the file name
  blobvault push /var/log/nginx/access.log

  # Grouped collections need the group key
  blobvault push report.csv --group web01 --id report.csv`,
		Args: cobra.ExactArgs(1),
		RunE: runPush,
	}
	pushCmd.Flags().StringVar(&resourceID, "id", "", "resource id (default: file name)")
	pushCmd.Flags().StringVarP(&resourceGroup, "group", "g", "", "resource group")
	pushCmd.Flags().StringVar(&resourceFile, "file", "", "explicit blob name (default: stamped from id)")
	pushCmd.Flags().BoolVar(&createOnly, "create-only", false, "fail if the resource already exists")
	rootCmd.AddCommand(pushCmd)

	// Get command
	getCmd := &cobra.Command{
		Use:   "get <resource-id>",
		Short: "Print a resource's metadata record",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().StringVarP(&resourceGroup, "group", "g", "", "resource group")
	getCmd.Flags().StringVar(&version, "version", repo.VersionCurrent, "version selector: current or a historical resource file name")
	rootCmd.AddCommand(getCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List current records",
		RunE:  runList,
	}
	listCmd.Flags().StringVarP(&resourceGroup, "group", "g", "", "restrict to one group")
	rootCmd.AddCommand(listCmd)

	// Delete command
	deleteCmd := &cobra.Command{
		Use:   "delete <resource-id>",
		Short: "Delete a resource (logical by default)",
		Long: `Delete a resource. Without --permanent the record is only marked deleted
and its blob retained for the retention window; purge-deleted removes it for
good after expiry. With --permanent every version's blob and the record are
removed immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: runDelete,
	}
	deleteCmd.Flags().StringVarP(&resourceGroup, "group", "g", "", "resource group")
	deleteCmd.Flags().BoolVar(&permanent, "permanent", false, "delete blobs and record immediately")
	rootCmd.AddCommand(deleteCmd)

	// Download command
	downloadCmd := &cobra.Command{
		Use:   "download [resource-id]",
		Short: "Download current blobs",
		Long: `Download the current blob of one resource, or of every resource in a
group.

Examples:
  blobvault download access.log -o ./access.log
  blobvault download --group web01 --dir ./web01-logs`,
		Args: cobra.MaximumNArgs(1),
		RunE: runDownload,
	}
	downloadCmd.Flags().StringVarP(&resourceGroup, "group", "g", "", "resource group")
	downloadCmd.Flags().StringVarP(&destPath, "output", "o", "", "destination file (single resource)")
	downloadCmd.Flags().StringVar(&destDir, "dir", "", "destination directory (whole group)")
	downloadCmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files")
	rootCmd.AddCommand(downloadCmd)

	// Clean-orphans command
	cleanOrphansCmd := &cobra.Command{
		Use:   "clean-orphans",
		Short: "Delete blobs no metadata record references",
		RunE:  runCleanOrphans,
	}
	rootCmd.AddCommand(cleanOrphansCmd)

	// Purge-deleted command
	purgeCmd := &cobra.Command{
		Use:   "purge-deleted",
		Short: "Permanently remove logically deleted resources past expiry",
		RunE:  runPurgeDeleted,
	}
	purgeCmd.Flags().StringVar(&expiryFlag, "expiry", "", "retention window override, e.g. 672h")
	rootCmd.AddCommand(purgeCmd)

	// Clean command
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Permanently delete resources matching a pattern",
		Long: `Permanently delete every live resource whose id matches the glob, in
batches with a lease renewal between batches, then reconcile orphans.`,
		RunE: runClean,
	}
	cleanCmd.Flags().StringVar(&matchPattern, "match", "", "glob over resource ids (required)")
	cleanCmd.Flags().IntVar(&batchSize, "batch-size", 0, "deletions per lease renewal (default from config)")
	_ = cleanCmd.MarkFlagRequired("match")
	rootCmd.AddCommand(cleanCmd)

	// Archive-files command
	archiveFilesCmd := &cobra.Command{
		Use:   "archive-files",
		Short: "Archive changed local files into the collection",
		RunE:  runArchiveFiles,
	}
	rootCmd.AddCommand(archiveFilesCmd)

	// Harvest-docker command
	harvestDockerCmd := &cobra.Command{
		Use:   "harvest-docker",
		Short: "Push Docker image metadata into the collection",
		RunE:  runHarvestDocker,
	}
	rootCmd.AddCommand(harvestDockerCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blobvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			log.Error().Err(err).Msg("collection is locked by another run")
		} else {
			log.Error().Err(err).Msg("command failed")
		}
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// loadConfig loads the config file, falling back to defaults when no file
// is given.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	return config.Default(), nil
}

// openRepository builds the repository from configuration.
func openRepository(cfg *config.Config) (*repo.Repository, error) {
	s, err := fsstore.NewRoot(cfg.Store.Root)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Store.Root, err)
	}
	opts, err := cfg.RepositoryOptions()
	if err != nil {
		return nil, err
	}
	opts.Metrics = repo.InitMetrics(nil)
	return repo.New(s, opts)
}

// withLockedRepo runs fn holding the collection lease, releasing it on every
// exit path.
func withLockedRepo(fn func(ctx context.Context, cfg *config.Config, r *repo.Repository, session lock.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := openRepository(cfg)
	if err != nil {
		return err
	}
	ttl, err := cfg.LockTTL()
	if err != nil {
		return err
	}
	renew, err := cfg.LockRenewInterval()
	if err != nil {
		return err
	}
	ctx := context.Background()
	return lock.With(ctx, r.Locker(), ttl, renew, func(session lock.Session) error {
		return fn(ctx, cfg, r, session)
	})
}

// withRepo runs fn without the lease, for read-only commands.
func withRepo(fn func(ctx context.Context, cfg *config.Config, r *repo.Repository) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := openRepository(cfg)
	if err != nil {
		return err
	}
	return fn(context.Background(), cfg, r)
}

func resourceKey(id string) repo.Key {
	return repo.Key{Group: resourceGroup, ID: id}
}

func printRecord(rec *repo.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, _ lock.Session) error {
		id := resourceID
		if id == "" {
			id = filepath.Base(localPath)
		}
		rec := &repo.Record{ResourceID: id, ResourceGroup: resourceGroup, ResourceFile: resourceFile}
		_, err := r.PushFile(ctx, localPath, rec, repo.PushOptions{CreateOnly: createOnly})
		if err != nil {
			return err
		}
		return printRecord(rec)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository) error {
		rec, err := r.Get(ctx, resourceKey(args[0]), version)
		if err != nil {
			return err
		}
		return printRecord(rec)
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository) error {
		recs, err := r.Metadatas(ctx, repo.Key{Group: resourceGroup})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := printRecord(rec); err != nil {
				return err
			}
		}
		log.Info().Int("count", len(recs)).Msg("resources listed")
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, _ lock.Session) error {
		rec, err := r.Delete(ctx, resourceKey(args[0]), permanent)
		if err != nil {
			return err
		}
		if rec == nil {
			log.Warn().Str("id", args[0]).Msg("resource not found, nothing deleted")
			return nil
		}
		return printRecord(rec)
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	return withRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository) error {
		if len(args) == 0 {
			if resourceGroup == "" || destDir == "" {
				return fmt.Errorf("either a resource id, or --group with --dir, is required")
			}
			return r.DownloadGroup(ctx, resourceGroup, destDir, overwrite)
		}
		dest := destPath
		if dest == "" {
			dest = args[0]
		}
		return r.Download(ctx, resourceKey(args[0]), dest, overwrite)
	})
}

func runCleanOrphans(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, _ lock.Session) error {
		deleted, err := r.CleanOrphans(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("deleted", len(deleted)).Msg("orphan cleanup complete")
		return nil
	})
}

func runPurgeDeleted(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, session lock.Session) error {
		expiry, err := cfg.DeletedExpiry()
		if err != nil {
			return err
		}
		if expiryFlag != "" {
			expiry, err = time.ParseDuration(expiryFlag)
			if err != nil {
				return fmt.Errorf("invalid expiry %q: %w", expiryFlag, err)
			}
		}
		purged, err := r.CleanExpiredDeleted(ctx, expiry, session)
		if err != nil {
			return err
		}
		log.Info().Int("purged", purged).Msg("purge complete")
		return nil
	})
}

func runClean(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, session lock.Session) error {
		size := batchSize
		if size == 0 {
			size = cfg.Clean.BatchSize
		}
		deleted, err := r.CleanResources(ctx, func(rec *repo.Record) bool {
			ok, err := filepath.Match(matchPattern, rec.ResourceID)
			return err == nil && ok
		}, size, session)
		if err != nil {
			return err
		}
		log.Info().Int("deleted", deleted).Str("match", matchPattern).Msg("clean complete")
		return nil
	})
}

func runArchiveFiles(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, session lock.Session) error {
		if cfg.ArchiveFiles.SourceDir == "" {
			return fmt.Errorf("archive_files.source_dir is not configured")
		}
		maxSize, err := cfg.MaxFileSize()
		if err != nil {
			return err
		}
		job := archive.NewFileJob(r, archive.FileJobConfig{
			SourceDir:      cfg.ArchiveFiles.SourceDir,
			Pattern:        cfg.ArchiveFiles.Pattern,
			Group:          cfg.ArchiveFiles.Group,
			Check:          cfg.ArchiveFiles.Check,
			Compress:       cfg.ArchiveFiles.Compress,
			DeleteVanished: cfg.ArchiveFiles.DeleteVanished,
			MaxFileSize:    maxSize,
		})
		_, err = job.Run(ctx, session)
		return err
	})
}

func runHarvestDocker(cmd *cobra.Command, args []string) error {
	return withLockedRepo(func(ctx context.Context, cfg *config.Config, r *repo.Repository, session lock.Session) error {
		client, err := archive.NewDockerClient(cfg.Docker.Host)
		if err != nil {
			return err
		}
		_, err = archive.NewDockerJob(r, client).Run(ctx, session)
		return err
	})
}
