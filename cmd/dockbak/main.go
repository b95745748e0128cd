package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ypeckstadt/dockbak/internal/backup"
	"github.com/ypeckstadt/dockbak/internal/config"
	"github.com/ypeckstadt/dockbak/internal/docker"
	"github.com/ypeckstadt/dockbak/internal/logging"
	"github.com/ypeckstadt/dockbak/internal/storage"
	"github.com/ypeckstadt/dockbak/pkg/version"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Global state shared by the commands
var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logger  = zap.NewNop()

	containerName string
	filePath      string
	outputDir     string
	volumeNames   []string
	fromStorage   bool
	keepCount     int
)

// globalFlags maps persistent flags to their configuration keys
var globalFlags = map[string]string{
	"restart":       "restart",
	"timeout":       "timeout",
	"exclude":       "exclude",
	"yes":           "yes",
	"verbose":       "verbose",
	"quiet":         "quiet",
	"backup-dir":    "backup_dir",
	"docker-host":   "docker.host",
	"storage":       "storage.type",
	"s3-bucket":     "storage.s3.bucket",
	"s3-region":     "storage.s3.region",
	"s3-endpoint":   "storage.s3.endpoint",
	"s3-access-key": "storage.s3.access_key",
	"s3-secret-key": "storage.s3.secret_key",
	"s3-prefix":     "storage.s3.prefix",
	"gcs-bucket":    "storage.gcs.bucket",
	"gcs-project":   "storage.gcs.project",
	"gcs-creds":     "storage.gcs.credentials",
	"gcs-prefix":    "storage.gcs.prefix",
}

func main() {
	rootCmd := newRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dockbak",
		Short:         "Back up and restore the volumes of Docker containers",
		Long:          "dockbak stops a container, archives its volumes into a single .tar.xz file with a mapping of where each volume lives, and restores them later in place or into a directory.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default is $HOME/.config/dockbak/config.toml)")
	flags.BoolP("restart", "r", false, "Restart the container when the operation finishes, even if it failed")
	flags.Uint64P("timeout", "t", config.DefaultTimeout, "Seconds to wait for the container to stop")
	flags.StringP("exclude", "e", config.DefaultExclude, "Comma separated substrings of paths to leave out of backups")
	flags.BoolP("yes", "y", false, "Skip confirmation prompts")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.BoolP("quiet", "q", false, "Quiet output")
	flags.String("backup-dir", config.DefaultBackupDir(), "Directory where archives are written and searched")
	flags.String("docker-host", "", "Docker daemon address, overrides DOCKER_HOST")

	flags.String("storage", "local", "Storage backend type (local, gcs, s3)")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-region", config.DefaultS3Region, "S3 region")
	flags.String("s3-endpoint", "", "S3 endpoint (for S3-compatible services)")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-prefix", "", "Key prefix for archives in the S3 bucket")
	flags.String("gcs-bucket", "", "GCS bucket name")
	flags.String("gcs-project", "", "GCS project ID")
	flags.String("gcs-creds", "", "Path to GCS credentials file")
	flags.String("gcs-prefix", "", "Object prefix for archives in the GCS bucket")

	for flag, key := range globalFlags {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(createBackupCommand())
	rootCmd.AddCommand(createRestoreCommand())
	rootCmd.AddCommand(createListCommand())
	rootCmd.AddCommand(createInspectCommand())
	rootCmd.AddCommand(createArchivesCommand())
	rootCmd.AddCommand(createVersionCommand())

	return rootCmd
}

func loadConfig() error {
	used, err := config.Init(v, cfgFile)
	if err != nil {
		return err
	}

	cfg, err = config.Load(v)
	if err != nil {
		return err
	}

	logger, err = logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	if used != "" {
		logger.Debug("using config file", zap.String("path", used))
	}
	return nil
}

// newClient builds a backup client; the Docker daemon is only contacted when withDocker is set.
func newClient(ctx context.Context, withDocker bool) (*backup.Client, error) {
	var client *backup.Client
	if withDocker {
		c, err := backup.NewDockerClient(ctx, docker.Options{Host: cfg.Docker.Host, StopTimeout: cfg.Timeout}, logger)
		if err != nil {
			return nil, err
		}
		client = c
	} else {
		client = backup.NewClient(nil, nil, logger)
	}

	client.SetVerbose(cfg.Verbose)
	client.SetQuiet(cfg.Quiet)
	client.SetProgress(term.IsTerminal(int(os.Stdout.Fd())))
	client.SetBackupDir(cfg.BackupDir)

	backend, err := storage.NewBackend(ctx, cfg.StorageBackendConfig())
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close client", zap.Error(closeErr))
		}
		return nil, err
	}
	client.SetStorage(backend)
	return client, nil
}

func closeClient(client *backup.Client) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close client", zap.Error(err))
	}
}

// confirmFunc returns a prompt asking on out and reading the answer from in.
// It returns nil when prompting is disabled, which the client treats as yes.
func confirmFunc(in io.Reader, out io.Writer, enabled bool) func(prompt string) bool {
	if !enabled {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(out, "⚠️  %s\nContinue? (y/N): ", prompt)
		response, err := reader.ReadString('\n')
		if err != nil && response == "" {
			return false
		}
		response = strings.ToLower(strings.TrimSpace(response))
		return response == "y" || response == "yes"
	}
}

func interactiveConfirm() func(prompt string) bool {
	return confirmFunc(os.Stdin, os.Stdout, !cfg.Yes && term.IsTerminal(int(os.Stdin.Fd())))
}

func printRestoreSummary(w io.Writer, result *backup.RestoreResult) {
	if result.OutputDir != "" {
		fmt.Fprintf(w, "\n📂 Extracted %d entries to %s\n", result.Entries, result.OutputDir)
	} else {
		fmt.Fprintf(w, "\n📋 Restore summary for %s\n", result.Container.Name)
	}

	for _, vol := range result.Volumes {
		switch vol.State {
		case backup.VolumeRestored:
			suffix := ""
			if vol.Elevated {
				suffix = " (elevated)"
			}
			fmt.Fprintf(w, "   ✅ %s -> %s%s\n", vol.Volume.Name, vol.Volume.Source, suffix)
		case backup.VolumeSkipped:
			fmt.Fprintf(w, "   ⏭️  %s not in archive\n", vol.Volume.Name)
		case backup.VolumeFailed:
			fmt.Fprintf(w, "   ❌ %s: %v\n", vol.Volume.Name, vol.Err)
		}
	}

	fmt.Fprintf(w, "   %d restored, %d skipped, %d failed\n", len(result.Restored()), len(result.Skipped()), len(result.Failed()))
}

func createBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the volumes of a container",
		Long:  "Stop a container and archive its volumes, or a single host path with --file, into one .tar.xz file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newClient(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(client)

			_, err = client.Backup(ctx, backup.BackupOptions{
				Container: containerName,
				Path:      filePath,
				OutputDir: outputDir,
				Volumes:   volumeNames,
				Excludes:  cfg.ExcludePatterns(),
				Restart:   cfg.Restart,
				Upload:    cfg.Remote(),
			})
			return err
		},
	}

	cmd.Flags().StringVarP(&containerName, "container", "c", "", "Container name, ID or ID prefix")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Back up this host path instead of the container's volumes")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory for the archive (default is the backup directory)")
	cmd.Flags().StringSliceVar(&volumeNames, "volume", nil, "Only back up these volumes (repeatable)")
	_ = cmd.MarkFlagRequired("container")

	return cmd
}

func createRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the volumes of a container from an archive",
		Long:  "Stop a container and write an archive's volumes back to their host paths, or extract it into a directory with --output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newClient(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(client)

			result, err := client.Restore(ctx, backup.RestoreOptions{
				Container:   containerName,
				File:        filePath,
				OutputDir:   outputDir,
				Volumes:     volumeNames,
				Restart:     cfg.Restart,
				FromStorage: fromStorage,
				Confirm:     interactiveConfirm(),
			})
			if errors.Is(err, backup.ErrCancelled) {
				fmt.Println("Restore cancelled")
				return nil
			}
			if result != nil && !cfg.Quiet {
				printRestoreSummary(os.Stdout, result)
			}
			if err != nil {
				return err
			}
			return result.Err()
		},
	}

	cmd.Flags().StringVarP(&containerName, "container", "c", "", "Container name, ID or ID prefix")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Archive, directory to search for the newest archive, or storage archive ID")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Extract into this directory instead of restoring in place")
	cmd.Flags().StringSliceVar(&volumeNames, "volume", nil, "Only restore these volumes (repeatable)")
	cmd.Flags().BoolVar(&fromStorage, "from-storage", false, "Fetch the archive from the storage backend")
	_ = cmd.MarkFlagRequired("container")

	return cmd
}

func createListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List containers",
		Long:  "List the containers known to the Docker daemon; with --verbose their volumes too",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newClient(ctx, true)
			if err != nil {
				return err
			}
			defer closeClient(client)

			return client.ListContainers(ctx, os.Stdout)
		},
	}
}

func createInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Show the mapping and contents of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := backup.NewClient(nil, nil, logger)
			client.SetVerbose(cfg.Verbose)
			return client.Inspect(args[0], os.Stdout)
		},
	}
}

func createArchivesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Manage archives in the storage backend",
		Long:  "List archives in the configured storage backend, per container or for one container with --container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newClient(ctx, false)
			if err != nil {
				return err
			}
			defer closeClient(client)

			return client.ListArchives(ctx, containerName, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&containerName, "container", "c", "", "Only list archives of this container")

	deleteCmd := &cobra.Command{
		Use:   "delete <archive-id>",
		Short: "Delete an archive from the storage backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newClient(ctx, false)
			if err != nil {
				return err
			}
			defer closeClient(client)

			err = client.DeleteArchive(ctx, args[0], interactiveConfirm())
			if errors.Is(err, backup.ErrCancelled) {
				fmt.Println("Delete cancelled")
				return nil
			}
			return err
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest archives of a container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if keepCount < 0 {
				return fmt.Errorf("--keep must not be negative")
			}

			client, err := newClient(ctx, false)
			if err != nil {
				return err
			}
			defer closeClient(client)

			_, err = client.PruneArchives(ctx, containerName, keepCount, interactiveConfirm())
			if errors.Is(err, backup.ErrCancelled) {
				fmt.Println("Prune cancelled")
				return nil
			}
			return err
		},
	}
	pruneCmd.Flags().StringVarP(&containerName, "container", "c", "", "Container whose archives are pruned")
	pruneCmd.Flags().IntVar(&keepCount, "keep", 5, "Number of newest archives to keep")
	_ = pruneCmd.MarkFlagRequired("container")

	cmd.AddCommand(deleteCmd)
	cmd.AddCommand(pruneCmd)
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}
