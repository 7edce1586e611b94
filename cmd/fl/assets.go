package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitline/internal/app"
	"fitline/internal/domain"
)

func assetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Asset library",
		Long:  "List, add, upload, tag and delete the images and videos in your library.",
	}

	var typeFilter, categoryFilter, tabFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List assets, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Library.Refresh(ctx); err != nil {
					return err
				}
				items, err := filterAssets(s, typeFilter, categoryFilter, tabFilter)
				if err != nil {
					return err
				}
				return printAssets(items)
			})
		},
	}
	list.Flags().StringVar(&typeFilter, "type", "", "asset type filter")
	list.Flags().StringVar(&categoryFilter, "category", "", "media category (image, video)")
	list.Flags().StringVar(&tabFilter, "tab", "", "library tab (user-data, user-generated-data)")
	cmd.AddCommand(list)

	var addType string
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Add an existing URL to the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				asset, err := s.Library.AddByURL(ctx, args[0], domain.AssetType(addType))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(asset)
				}
				fmt.Printf("Added %s (%s)\n", asset.URL, asset.Type)
				return nil
			})
		},
	}
	add.Flags().StringVar(&addType, "type", string(domain.AssetInputImage), "asset type")
	cmd.AddCommand(add)

	var uploadType string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a local file to the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				url, err := s.Library.Upload(ctx, data, filepath.Base(args[0]), domain.AssetType(uploadType))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"url": url})
				}
				fmt.Printf("Uploaded %s\n", url)
				return nil
			})
		},
	}
	upload.Flags().StringVar(&uploadType, "type", string(domain.AssetInputImage), "asset type")
	cmd.AddCommand(upload)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Library.Refresh(ctx); err != nil {
					s.Log.Debug().Err(err).Msg("refresh before delete")
				}
				if err := s.Library.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tag <id> [tag...]",
		Short: "Replace an asset's tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Library.Refresh(ctx); err != nil {
					return err
				}
				if err := s.Library.Tag(ctx, args[0], args[1:]); err != nil {
					return err
				}
				fmt.Printf("Tagged %s: %s\n", args[0], strings.Join(args[1:], ", "))
				return nil
			})
		},
	})

	var interval time.Duration
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow the library until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if interval <= 0 {
					interval = s.Config.Assets.PollInterval
				}
				if interval <= 0 {
					interval = 5 * time.Second
				}
				s.Library.Start(ctx)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				last := ""
				for {
					items := s.Library.List()
					if sig := librarySignature(items); sig != last {
						last = sig
						if viper.GetBool("json") {
							if err := printJSON(items); err != nil {
								return err
							}
						} else {
							fmt.Printf("%s  %d assets\n", time.Now().Format(time.Kitchen), len(items))
							if len(items) > 0 {
								fmt.Printf("  newest: %s (%s)\n", items[0].URL, items[0].Type)
							}
						}
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	watch.Flags().DurationVar(&interval, "interval", 0, "how often to print changes (defaults to assets.poll_interval)")
	cmd.AddCommand(watch)
	return cmd
}

func filterAssets(s *app.Session, typeFilter, categoryFilter, tabFilter string) ([]domain.Asset, error) {
	items := s.Library.List()
	if typeFilter != "" {
		t, err := domain.ParseAssetType(typeFilter)
		if err != nil {
			return nil, err
		}
		items = s.Library.FilterByType(t)
	}
	if categoryFilter != "" {
		c, err := domain.ParseMediaCategory(categoryFilter)
		if err != nil {
			return nil, err
		}
		var kept []domain.Asset
		for _, a := range items {
			if a.Type.Category() == c {
				kept = append(kept, a)
			}
		}
		items = kept
	}
	if tabFilter != "" {
		var kept []domain.Asset
		for _, a := range items {
			if a.InTab(tabFilter) {
				kept = append(kept, a)
			}
		}
		items = kept
	}
	return items, nil
}

func printAssets(items []domain.Asset) error {
	if viper.GetBool("json") {
		if items == nil {
			items = []domain.Asset{}
		}
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Type", "Created", "Tags", "URL"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Type, time.UnixMilli(a.CreatedAt).Format(time.RFC3339), strings.Join(a.Tags(), ","), a.URL})
	}
	tw.Render()
	return nil
}

func librarySignature(items []domain.Asset) string {
	ids := make([]string, len(items))
	for i, a := range items {
		ids[i] = a.ID
	}
	return strings.Join(ids, "|")
}
