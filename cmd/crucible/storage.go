package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/libvirt"
	"github.com/jbweber/crucible/internal/storage"
)

// withStorage runs fn with a storage manager on the local libvirt daemon.
// The default pools are created first.
func withStorage(fn func(ctx context.Context, opts *config.Options, mgr *storage.Manager) error) error {
	ctx := context.Background()
	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, syncLog, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer syncLog()

	client, err := libvirt.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
		}
	}()

	mgr := storage.NewManager(client.Libvirt(), opts, log, nil)
	if err := mgr.EnsureDefaultPools(ctx); err != nil {
		return fmt.Errorf("failed to ensure default pools: %w", err)
	}
	return fn(ctx, opts, mgr)
}

func findImage(ctx context.Context, mgr *storage.Manager, name string) (*storage.VolumeInfo, error) {
	images, err := mgr.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	for i := range images {
		img := &images[i]
		if img.Name == name || strings.TrimSuffix(img.Name, "."+string(img.Format)) == name {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image %s not found", name)
}

// Image management commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage base images",
	Long: `Manage the images instances boot from.

Images live in the images pool. The root disk of an instance is a qcow2
overlay on its image, so an image cannot be deleted while a disk uses it.`,
}

var imageImportCmd = &cobra.Command{
	Use:   "import <source-path> <image-id>",
	Short: "Import an image into the images pool",
	Long: `Import an image file into the images pool.

The format (qcow2, raw or iso) is detected from the file contents. The
image is referenced by its ID in the image section of Instance files.

Example:
  crucible image import /path/to/fedora-43.qcow2 fedora-43`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, _ *config.Options, mgr *storage.Manager) error {
			if _, err := findImage(ctx, mgr, args[1]); err == nil {
				return fmt.Errorf("image %s already exists", args[1])
			}

			fmt.Printf("Importing image from %s as %s...\n", args[0], args[1])
			name, err := mgr.ImportImage(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to import image: %w", err)
			}
			fmt.Printf("✓ Image %s imported as %s\n", args[1], name)
			return nil
		})
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all images in the images pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, opts *config.Options, mgr *storage.Manager) error {
			images, err := mgr.ListImages(ctx)
			if err != nil {
				return fmt.Errorf("failed to list images: %w", err)
			}
			if len(images) == 0 {
				fmt.Printf("No images found in %s pool\n", opts.ImagesPool)
				return nil
			}

			fmt.Printf("%-30s %-10s %10s  %s\n", "NAME", "FORMAT", "SIZE", "PATH")
			fmt.Println(strings.Repeat("-", 100))
			for _, img := range images {
				fmt.Printf("%-30s %-10s %8dGB  %s\n", img.Name, img.Format, img.CapacityGB(), img.Path)
			}
			fmt.Printf("\nTotal: %d image(s)\n", len(images))
			return nil
		})
	},
}

var imageDeleteForce bool

var imageDeleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete an image from the images pool",
	Long: `Delete an image from the images pool.

An image that backs a disk in the VMs pool is kept unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, _ *config.Options, mgr *storage.Manager) error {
			img, err := findImage(ctx, mgr, args[0])
			if err != nil {
				return err
			}
			if err := mgr.DeleteImage(ctx, img.Name, imageDeleteForce); err != nil {
				return fmt.Errorf("failed to delete image: %w", err)
			}
			fmt.Printf("✓ Image %s deleted\n", img.Name)
			return nil
		})
	},
}

var imageInfoCmd = &cobra.Command{
	Use:   "info <image-id>",
	Short: "Show detailed information about an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, _ *config.Options, mgr *storage.Manager) error {
			img, err := findImage(ctx, mgr, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:        %s\n", img.Name)
			fmt.Printf("Pool:        %s\n", img.Pool)
			fmt.Printf("Format:      %s\n", img.Format)
			fmt.Printf("Capacity:    %d GB\n", img.CapacityGB())
			fmt.Printf("Allocation:  %.2f GB\n", float64(img.Allocation)/(1024*1024*1024))
			fmt.Printf("Path:        %s\n", img.Path)
			if img.BackingPath != "" {
				fmt.Printf("Backing:     %s\n", img.BackingPath)
			}
			return nil
		})
	},
}

// Pool management commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage storage pools",
	Long: `Manage the libvirt storage pools of crucible.

Three directory pools are used: images, VM disks, and the staging pool that
receives disks during a resize. Volume pools named crucible-sr-<uuid> are
created for attached iSCSI volumes.`,
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all storage pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, _ *config.Options, mgr *storage.Manager) error {
			pools, err := mgr.ListPools(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pools: %w", err)
			}
			if len(pools) == 0 {
				fmt.Println("No storage pools found")
				return nil
			}

			fmt.Printf("%-30s %-8s %-10s %12s %12s %8s\n", "NAME", "TYPE", "STATE", "CAPACITY", "AVAILABLE", "USAGE")
			fmt.Println(strings.Repeat("-", 88))
			for _, pool := range pools {
				usage := 0.0
				if pool.Capacity > 0 {
					usage = float64(pool.Allocation) / float64(pool.Capacity) * 100
				}
				fmt.Printf("%-30s %-8s %-10s %10.2fGB %10.2fGB %7.1f%%\n",
					pool.Name, pool.Type, pool.State,
					float64(pool.Capacity)/(1024*1024*1024),
					float64(pool.Available)/(1024*1024*1024),
					usage)
			}
			return nil
		})
	},
}

var poolEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the default pools if they are missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(_ context.Context, opts *config.Options, _ *storage.Manager) error {
			for _, p := range []string{opts.ImagesPool, opts.VMsPool, opts.StagingPool} {
				fmt.Printf("✓ Pool %s ready\n", p)
			}
			return nil
		})
	},
}

var poolRefreshCmd = &cobra.Command{
	Use:   "refresh <name>",
	Short: "Rescan the volumes of a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, _ *config.Options, mgr *storage.Manager) error {
			if err := mgr.RefreshPool(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to refresh pool: %w", err)
			}
			fmt.Printf("✓ Pool %s refreshed\n", args[0])
			return nil
		})
	},
}

func init() {
	imageCmd.AddCommand(imageImportCmd)
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageDeleteCmd)
	imageCmd.AddCommand(imageInfoCmd)
	imageDeleteCmd.Flags().BoolVar(&imageDeleteForce, "force", false, "delete the image even if disks use it")

	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolEnsureCmd)
	poolCmd.AddCommand(poolRefreshCmd)
}
